//go:build cgo

package asknote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asknote/asknote/chunker"
	"github.com/asknote/asknote/embedder"
	"github.com/asknote/asknote/index"
	"github.com/asknote/asknote/provider"
	"github.com/asknote/asknote/query"
	"github.com/asknote/asknote/reader"
	"github.com/asknote/asknote/retrieval"
	"github.com/asknote/asknote/synthesis"
)

// constEmbedding returns the same unit vector for every text, so any
// query matches any chunk with score 1.
type constEmbedding struct{}

func (constEmbedding) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

// scriptedLLM pops responses in order; analysis and synthesis calls share
// the same provider just as they do in production.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	requests  []provider.CompletionRequest
}

func (s *scriptedLLM) Complete(_ context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return &provider.Completion{Content: "out of scripted responses"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return &provider.Completion{Content: resp, Model: "scripted"}, nil
}

func newTestEngine(t *testing.T, cfg Config, llm *scriptedLLM) *engine {
	t.Helper()

	store, err := index.New(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)

	emb := embedder.New(constEmbedding{}, 4)
	analyzer := query.NewAnalyzer(llm)

	e := &engine{
		cfg:     cfg,
		store:   store,
		readers: reader.NewRegistry(),
		chunker: chunker.New(chunker.Config{
			ChunkSize: 120, ChunkOverlap: 30, ParentMinSize: 300, ParentMaxSize: 1000,
		}),
		embedder: emb,
		analyzer: analyzer,
		orch: retrieval.New(store, emb, analyzer, retrieval.Config{
			TopK:               5,
			RelevanceThreshold: cfg.RelevanceThreshold,
			MaxQueryRetries:    cfg.MaxQueryRetries,
		}),
		synth: synthesis.New(llm),
		jobs:  make(chan indexJob, 16),
	}
	e.wg.Add(1)
	go e.indexWorker()
	t.Cleanup(func() { e.Close() })
	return e
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RelevanceThreshold = 0.5
	cfg.MaxQueryRetries = 1
	return cfg
}

const sampleText = `The vacation policy grants every employee 25 paid days per year.
Unused vacation days roll over into the next calendar year.

Rollover is capped at five days. Days beyond the cap expire in January.

Sabbaticals require three years of tenure and manager approval.`

func TestIngestAndSearch(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})
	ctx := context.Background()

	docID, err := e.IngestText(ctx, "doc://policy", "policy.md", sampleText)
	require.NoError(t, err)
	require.NotZero(t, docID)
	require.NoError(t, e.Flush(ctx))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Greater(t, stats.Children, 0)
	assert.Equal(t, stats.Children, stats.Embeddings, "flush must leave nothing unembedded")

	results, err := e.Search(ctx, "vacation days", WithLimit(3))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc://policy", results[0].SourceID)

	kw, err := e.Search(ctx, "sabbatical", WithKeyword())
	require.NoError(t, err)
	require.NotEmpty(t, kw)
	assert.Contains(t, kw[0].Content, "Sabbaticals")
}

func TestIngestEmptyContent(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})

	_, err := e.IngestText(context.Background(), "doc://empty", "empty", "   \n")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestIngestUnchangedSkipped(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})
	ctx := context.Background()

	id1, err := e.IngestText(ctx, "doc://same", "same", sampleText)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	before, err := e.Stats(ctx)
	require.NoError(t, err)

	id2, err := e.IngestText(ctx, "doc://same", "same", sampleText)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	after, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Children, after.Children, "unchanged content must not re-chunk")
}

func TestAskEndToEnd(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"is_clear": true, "sub_questions": ["How many vacation days do employees get?"]}`,
		"Employees get 25 paid vacation days per year [Source 1].",
	}}
	e := newTestEngine(t, testConfig(), llm)
	ctx := context.Background()

	_, err := e.IngestText(ctx, "doc://policy", "policy.md", sampleText)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	ans, err := e.Ask(ctx, "how many vacation days?")
	require.NoError(t, err)

	assert.Empty(t, ans.Clarification)
	assert.Contains(t, ans.Text, "25 paid vacation days")
	assert.False(t, ans.Degraded)
	assert.Greater(t, ans.Confidence, 0.4)
	require.NotEmpty(t, ans.Citations)
	assert.Equal(t, "doc://policy", ans.Citations[0].SourceID)
	assert.NotEmpty(t, ans.Sources)
	assert.Equal(t, 0, ans.Retries)
}

func TestAskClarification(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"is_clear": false, "sub_questions": [], "clarification": "Which policy do you mean?"}`,
	}}
	e := newTestEngine(t, testConfig(), llm)

	ans, err := e.Ask(context.Background(), "what about it?")
	require.NoError(t, err)
	assert.Equal(t, "Which policy do you mean?", ans.Clarification)
	assert.Empty(t, ans.Text)
	assert.Empty(t, ans.Sources)
}

func TestAskDegradedOnEmptyIndex(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"is_clear": true, "sub_questions": ["anything"]}`,
		`{"queries": ["anything rephrased"]}`,
	}}
	e := newTestEngine(t, testConfig(), llm)

	ans, err := e.Ask(context.Background(), "anything indexed?")
	require.NoError(t, err, "empty index degrades, never errors")
	assert.True(t, ans.Degraded)
	assert.Zero(t, ans.Confidence)
}

func TestAskWithMemory(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"is_clear": true, "sub_questions": ["vacation days"]}`,
		"You get 25 days [Source 1].",
		`{"is_clear": true, "sub_questions": ["vacation rollover cap"]}`,
		"Rollover is capped at five days [Source 1].",
	}}
	cfg := testConfig()
	cfg.MemoryEnabled = true
	e := newTestEngine(t, cfg, llm)
	ctx := context.Background()

	_, err := e.IngestText(ctx, "doc://policy", "policy.md", sampleText)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	_, err = e.Ask(ctx, "how many vacation days?", WithSession("s1"))
	require.NoError(t, err)

	_, err = e.Ask(ctx, "and how much rolls over?", WithSession("s1"))
	require.NoError(t, err)

	// The second analysis prompt must carry the first exchange.
	var secondAnalysis string
	for _, req := range llm.requests {
		if req.JSONMode && strings.Contains(req.Prompt, "rolls over") {
			secondAnalysis = req.Prompt
		}
	}
	require.NotEmpty(t, secondAnalysis)
	assert.Contains(t, secondAnalysis, "how many vacation days?")
	assert.Contains(t, secondAnalysis, "25 days")
}

func TestDeleteDocument(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})
	ctx := context.Background()

	docID, err := e.IngestText(ctx, "doc://gone", "gone", sampleText)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	require.NoError(t, e.Delete(ctx, docID))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Embeddings)

	assert.ErrorIs(t, e.Delete(ctx, docID), ErrDocumentNotFound)
}

func TestIngestFile(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes\n\n"+sampleText), 0644))

	docID, err := e.IngestFile(ctx, path)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, docID, docs[0].ID)
	assert.Equal(t, "notes.md", docs[0].Title)
	assert.Equal(t, "markdown", docs[0].ContentType)
}

func TestCloseStopsAcceptingWork(t *testing.T) {
	e := newTestEngine(t, testConfig(), &scriptedLLM{})
	require.NoError(t, e.Close())

	_, err := e.IngestText(context.Background(), "doc://late", "late", sampleText)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, e.Close(), "double close is a no-op")
}
