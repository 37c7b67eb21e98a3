// Package asknote is a question-answering engine over a personal document
// collection. Documents are split into a parent/child chunk hierarchy,
// children are embedded into a local SQLite vector index, and questions
// run through a self-correcting retrieval loop before a single synthesis
// call produces a cited answer.
//
// Indexing is asynchronous: Ingest returns once the chunks are stored,
// and a background worker embeds them shortly after. Call Flush to wait
// for the index to catch up.
package asknote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/asknote/asknote/chunker"
	"github.com/asknote/asknote/embedder"
	"github.com/asknote/asknote/index"
	"github.com/asknote/asknote/provider"
	"github.com/asknote/asknote/query"
	"github.com/asknote/asknote/reader"
	"github.com/asknote/asknote/retrieval"
	"github.com/asknote/asknote/synthesis"
)

// Engine is the main entry point.
type Engine interface {
	// IngestFile reads, chunks, and stores a document file. Embedding
	// happens asynchronously. Returns the document ID. Unchanged content
	// (by hash) is skipped.
	IngestFile(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// IngestText ingests raw text under the given source identifier.
	IngestText(ctx context.Context, sourceID, title, text string, opts ...IngestOption) (int64, error)

	// Ask runs a question through analysis, retrieval, and synthesis.
	Ask(ctx context.Context, question string, opts ...AskOption) (*Answer, error)

	// Search runs a direct index search without answer synthesis.
	Search(ctx context.Context, q string, opts ...SearchOption) ([]index.SearchResult, error)

	// Flush blocks until all queued chunks are embedded and indexed.
	Flush(ctx context.Context) error

	// ResumeIndexing queues chunks whose embedding never completed,
	// e.g. after a crash. Returns how many were queued.
	ResumeIndexing(ctx context.Context) (int, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]index.Document, error)

	// Stats returns index counters.
	Stats(ctx context.Context) (*index.Stats, error)

	// Close stops the indexing worker and closes the store.
	Close() error
}

// Answer is the result of Ask. When Clarification is non-empty the
// engine needs more information from the user and no answer was
// generated.
type Answer struct {
	Text          string               `json:"text"`
	Clarification string               `json:"clarification,omitempty"`
	Confidence    float64              `json:"confidence"`
	Degraded      bool                 `json:"degraded"`
	Citations     []synthesis.Citation `json:"citations,omitempty"`
	Sources       []synthesis.Source   `json:"sources,omitempty"`
	SubQuestions  []string             `json:"sub_questions,omitempty"`
	Retries       int                  `json:"retries"`
	ModelUsed     string               `json:"model_used,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	force       bool
	contentType chunker.ContentType
}

// WithForceReingest re-ingests even when the content hash is unchanged.
func WithForceReingest() IngestOption {
	return func(o *ingestOptions) { o.force = true }
}

// WithContentType overrides content type detection.
func WithContentType(ct chunker.ContentType) IngestOption {
	return func(o *ingestOptions) { o.contentType = ct }
}

// AskOption configures a single Ask call.
type AskOption func(*askOptions)

type askOptions struct {
	sessionID string
}

// WithSession attaches the question to a conversation session. Prior
// turns feed query analysis when memory is enabled in the config.
func WithSession(id string) AskOption {
	return func(o *askOptions) { o.sessionID = id }
}

// SearchOption configures a single Search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	keyword  bool
	limit    int
	minScore float64
}

// WithKeyword switches Search from semantic KNN to FTS5 keyword search.
func WithKeyword() SearchOption {
	return func(o *searchOptions) { o.keyword = true }
}

// WithLimit caps the number of search results.
func WithLimit(n int) SearchOption {
	return func(o *searchOptions) { o.limit = n }
}

// WithMinScore drops results scoring below the threshold.
func WithMinScore(s float64) SearchOption {
	return func(o *searchOptions) { o.minScore = s }
}

// indexJob carries freshly stored children to the embedding worker.
type indexJob struct {
	childIDs []int64
	texts    []string
	// flush is a barrier: the worker closes done without embedding.
	flush bool
	done  chan struct{}
}

type engine struct {
	cfg      Config
	store    *index.Store
	readers  *reader.Registry
	chunker  *chunker.Chunker
	embedder *embedder.Embedder
	analyzer *query.Analyzer
	orch     *retrieval.Orchestrator
	synth    *synthesis.Synthesizer

	jobs chan indexJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates an Engine from the given configuration.
func New(cfg Config) (Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	chatLLM, err := provider.NewLLM(cfg.Chat)
	if err != nil {
		return nil, fmt.Errorf("asknote: chat provider: %w", err)
	}
	embedProvider, err := provider.NewEmbedding(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("asknote: embedding provider: %w", err)
	}

	store, err := index.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("asknote: opening index: %w", err)
	}

	emb := embedder.New(embedProvider, cfg.EmbeddingDim)
	analyzer := query.NewAnalyzer(chatLLM)

	e := &engine{
		cfg:      cfg,
		store:    store,
		readers:  reader.NewRegistry(),
		chunker: chunker.New(chunker.Config{
			ChunkSize:     cfg.ChunkSize,
			ChunkOverlap:  cfg.ChunkOverlap,
			ParentMinSize: cfg.ParentMinSize,
			ParentMaxSize: cfg.ParentMaxSize,
		}),
		embedder: emb,
		analyzer: analyzer,
		orch: retrieval.New(store, emb, analyzer, retrieval.Config{
			TopK:               cfg.TopK,
			RelevanceThreshold: cfg.RelevanceThreshold,
			MaxQueryRetries:    cfg.MaxQueryRetries,
		}),
		synth: synthesis.New(chatLLM),
		jobs:  make(chan indexJob, 64),
	}

	e.wg.Add(1)
	go e.indexWorker()

	return e, nil
}

// indexWorker embeds queued children in the background. Failures are
// logged and the chunks stay unembedded; a later run picks them up via
// ResumeIndexing.
func (e *engine) indexWorker() {
	defer e.wg.Done()
	for job := range e.jobs {
		if job.flush {
			close(job.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		start := time.Now()
		vecs, err := e.embedder.EmbedBatch(ctx, job.texts)
		if err == nil {
			err = e.store.InsertEmbeddings(ctx, job.childIDs, vecs)
		}
		cancel()
		if err != nil {
			slog.Error("asknote: background indexing failed",
				"chunks", len(job.childIDs), "error", err)
			continue
		}
		slog.Debug("asknote: chunks indexed",
			"chunks", len(job.childIDs), "elapsed", time.Since(start).Round(time.Millisecond))
	}
}

func (e *engine) enqueue(job indexJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.jobs <- job
	return nil
}

// IngestFile reads the file with the format-appropriate reader and
// ingests its text under the file path as source ID.
func (e *engine) IngestFile(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	res, err := e.readers.Read(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("asknote: %w", err)
	}
	opts = append(opts, WithContentType(res.ContentType))
	return e.IngestText(ctx, path, res.Title, res.Text, opts...)
}

// IngestText chunks and stores text, then queues the children for
// embedding.
func (e *engine) IngestText(ctx context.Context, sourceID, title, text string, opts ...IngestOption) (int64, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	hash := index.ContentHash(text)
	if !o.force {
		if existing, err := e.store.GetDocumentBySource(ctx, sourceID); err == nil && existing.ContentHash == hash {
			slog.Debug("asknote: content unchanged, skipping", "source", sourceID)
			return existing.ID, nil
		}
	}

	parents, children, err := e.chunker.Chunk(text, o.contentType)
	if err != nil {
		return 0, fmt.Errorf("asknote: chunking %s: %w", sourceID, err)
	}

	docID, childIDs, err := e.store.InsertDocument(ctx, index.Document{
		SourceID:    sourceID,
		Title:       title,
		ContentType: string(chunker.Detect(text, o.contentType)),
		ContentHash: hash,
		Size:        len(text),
	}, parents, children)
	if err != nil {
		return 0, fmt.Errorf("asknote: storing %s: %w", sourceID, err)
	}

	texts := make([]string, len(children))
	for i, c := range children {
		texts[i] = c.Text
	}
	if err := e.enqueue(indexJob{childIDs: childIDs, texts: texts}); err != nil {
		return 0, err
	}

	slog.Info("asknote: document ingested",
		"source", sourceID, "parents", len(parents), "children", len(children))
	return docID, nil
}

// Flush waits until every job queued before the call has been processed.
func (e *engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.enqueue(indexJob{flush: true, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeIndexing queues children that never got embedded, e.g. after a
// crash or a provider outage.
func (e *engine) ResumeIndexing(ctx context.Context) (int, error) {
	pending, err := e.store.UnembeddedChildren(ctx, 1000)
	if err != nil {
		return 0, fmt.Errorf("asknote: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(pending))
	texts := make([]string, len(pending))
	for i, c := range pending {
		ids[i] = c.ID
		texts[i] = c.Content
	}
	if err := e.enqueue(indexJob{childIDs: ids, texts: texts}); err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Ask runs the full pipeline for one question.
func (e *engine) Ask(ctx context.Context, question string, opts ...AskOption) (*Answer, error) {
	var o askOptions
	for _, opt := range opts {
		opt(&o)
	}

	var history []query.Message
	if e.cfg.MemoryEnabled && o.sessionID != "" {
		turns, err := e.store.GetTurns(ctx, o.sessionID, 10)
		if err != nil {
			return nil, fmt.Errorf("asknote: loading session: %w", err)
		}
		for _, t := range turns {
			history = append(history, query.Message{Role: t.Role, Content: t.Content})
		}
	}

	start := time.Now()
	res, err := e.orch.Run(ctx, question, history)
	if err != nil {
		return nil, fmt.Errorf("asknote: %w", err)
	}

	if res.Clarification != "" {
		slog.Info("asknote: clarification needed", "question_len", len(question))
		return &Answer{Clarification: res.Clarification}, nil
	}

	synthesized, err := e.synth.Synthesize(ctx, question, res.Evidence, res.Degraded)
	if err != nil {
		return nil, fmt.Errorf("asknote: %w", err)
	}

	ans := &Answer{
		Text:             synthesized.Text,
		Confidence:       synthesized.Confidence,
		Degraded:         synthesized.Degraded,
		Citations:        synthesized.Citations,
		Sources:          synthesized.Sources,
		SubQuestions:     res.SubQuestions,
		Retries:          res.Trace.Retries,
		ModelUsed:        synthesized.ModelUsed,
		PromptTokens:     synthesized.PromptTokens,
		CompletionTokens: synthesized.CompletionTokens,
		TotalTokens:      synthesized.TotalTokens,
	}

	slog.Info("asknote: question answered",
		"confidence", ans.Confidence, "degraded", ans.Degraded,
		"retries", ans.Retries, "sources", len(ans.Sources),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if e.cfg.MemoryEnabled && o.sessionID != "" {
		if err := e.store.AppendTurn(ctx, o.sessionID, index.Turn{Role: "user", Content: question}); err != nil {
			slog.Warn("asknote: recording user turn failed", "error", err)
		}
		if err := e.store.AppendTurn(ctx, o.sessionID, index.Turn{Role: "assistant", Content: ans.Text}); err != nil {
			slog.Warn("asknote: recording assistant turn failed", "error", err)
		}
	}

	sourceIDs := make([]string, 0, len(ans.Sources))
	for _, s := range ans.Sources {
		sourceIDs = append(sourceIDs, s.SourceID)
	}
	if err := e.store.LogAsk(ctx, index.AskRecord{
		Question:         question,
		Answer:           ans.Text,
		Confidence:       ans.Confidence,
		Degraded:         ans.Degraded,
		Sources:          sourceIDs,
		States:           res.Trace.StatePath(),
		Retries:          res.Trace.Retries,
		PromptTokens:     ans.PromptTokens,
		CompletionTokens: ans.CompletionTokens,
		TotalTokens:      ans.TotalTokens,
	}); err != nil {
		slog.Warn("asknote: ask log write failed", "error", err)
	}

	return ans, nil
}

// Search runs one index search without the retrieval loop or synthesis.
func (e *engine) Search(ctx context.Context, q string, opts ...SearchOption) ([]index.SearchResult, error) {
	o := searchOptions{limit: e.cfg.TopK}
	for _, opt := range opts {
		opt(&o)
	}

	var results []index.SearchResult
	var err error
	if o.keyword {
		results, err = e.store.SearchKeyword(ctx, q, o.limit)
	} else {
		var vec []float32
		vec, err = e.embedder.Embed(ctx, q)
		if err == nil {
			results, err = e.store.SearchSemantic(ctx, vec, o.limit)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("asknote: search: %w", err)
	}

	if o.minScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= o.minScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}
	return results, nil
}

func (e *engine) Delete(ctx context.Context, documentID int64) error {
	if err := e.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("asknote: %w", err)
	}
	slog.Info("asknote: document deleted", "id", documentID)
	return nil
}

func (e *engine) ListDocuments(ctx context.Context) ([]index.Document, error) {
	return e.store.ListDocuments(ctx)
}

func (e *engine) Stats(ctx context.Context) (*index.Stats, error) {
	return e.store.Stats(ctx)
}

// Close drains the indexing queue, stops the worker, and closes the
// store.
func (e *engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	e.wg.Wait()
	return e.store.Close()
}
