// Package retrieval runs the self-correcting retrieval loop. A small
// state machine analyzes the question, searches the index, evaluates the
// evidence, and either rewrites the queries for another bounded attempt,
// expands children to their parent context, or asks the user to clarify.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/asknote/asknote/index"
	"github.com/asknote/asknote/query"
)

// State identifies a step of the retrieval loop.
type State int

const (
	StateAnalyze State = iota
	StateSearch
	StateEvaluate
	StateRewrite
	StateExpand
	StateClarify
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAnalyze:
		return "analyze"
	case StateSearch:
		return "search"
	case StateEvaluate:
		return "evaluate"
	case StateRewrite:
		return "rewrite"
	case StateExpand:
		return "expand"
	case StateClarify:
		return "clarify"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Searcher is the slice of the index the orchestrator needs.
type Searcher interface {
	SearchSemantic(ctx context.Context, embedding []float32, k int) ([]index.SearchResult, error)
	ResolveParents(ctx context.Context, parentIDs []int64) (map[int64]index.ParentChunk, error)
}

// Embedder converts query texts to vectors in one batched call.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Analyzer provides question analysis and query rewriting.
type Analyzer interface {
	Analyze(ctx context.Context, question string, history []query.Message) (*query.Analysis, error)
	Rewrite(ctx context.Context, original string, attempted []string) ([]string, error)
}

// Evidence is one retrieved child with its parent context, ready for
// answer synthesis and citation.
type Evidence struct {
	ChildID       int64   `json:"child_id"`
	ParentID      int64   `json:"parent_id"`
	DocumentID    int64   `json:"document_id"`
	SourceID      string  `json:"source_id"`
	Title         string  `json:"title"`
	Ordinal       int     `json:"ordinal"`
	Content       string  `json:"content"`
	ParentContent string  `json:"parent_content"`
	Score         float64 `json:"score"`
}

// Trace records the path the loop took, for the audit log.
type Trace struct {
	States  []State
	Retries int
	// BestScore is the highest relevance seen across all search rounds.
	BestScore float64
}

// StatePath renders the visited states as a comma-separated string.
func (t Trace) StatePath() string {
	names := make([]string, len(t.States))
	for i, s := range t.States {
		names[i] = s.String()
	}
	return strings.Join(names, ",")
}

// Result is the outcome of one retrieval run. Exactly one of
// Clarification or Evidence is meaningful: a non-empty Clarification
// means the loop stopped to ask the user a question.
type Result struct {
	Clarification string
	SubQuestions  []string
	Evidence      []Evidence
	// Degraded reports that no evidence reached the relevance threshold
	// even after rewriting; the answer should be labeled low-confidence.
	Degraded bool
	Trace    Trace
}

// Config bounds the retrieval loop.
type Config struct {
	TopK               int
	RelevanceThreshold float64
	MaxQueryRetries    int
}

// Orchestrator drives the retrieval state machine.
type Orchestrator struct {
	searcher Searcher
	embedder Embedder
	analyzer Analyzer
	cfg      Config
}

// New returns an Orchestrator. A zero TopK or RelevanceThreshold gets
// the documented default; MaxQueryRetries zero is meaningful and means
// no rewrite rounds.
func New(searcher Searcher, embedder Embedder, analyzer Analyzer, cfg Config) *Orchestrator {
	if cfg.TopK == 0 {
		cfg.TopK = 10
	}
	if cfg.RelevanceThreshold == 0 {
		cfg.RelevanceThreshold = 0.5
	}
	return &Orchestrator{searcher: searcher, embedder: embedder, analyzer: analyzer, cfg: cfg}
}

// Run executes the loop for one question. Low relevance never returns an
// error: after the retry budget is spent the best available evidence is
// returned with Degraded set. Errors are reserved for provider and store
// failures.
func (o *Orchestrator) Run(ctx context.Context, question string, history []query.Message) (*Result, error) {
	res := &Result{}
	visit := func(s State) { res.Trace.States = append(res.Trace.States, s) }

	visit(StateAnalyze)
	analysis, err := o.analyzer.Analyze(ctx, question, history)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if !analysis.IsClear {
		visit(StateClarify)
		res.Clarification = analysis.Clarification
		return res, nil
	}
	res.SubQuestions = analysis.SubQuestions

	queries := analysis.SubQuestions
	// Evidence accumulates across rewrite rounds: a rewritten search that
	// finds nothing must not throw away what earlier rounds found.
	var merged []index.SearchResult
	for {
		visit(StateSearch)
		round, err := o.search(ctx, queries)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		merged = mergeResults(merged, round, o.cfg.TopK)

		visit(StateEvaluate)
		best := 0.0
		if len(merged) > 0 {
			best = merged[0].Score
		}
		res.Trace.BestScore = best
		if best >= o.cfg.RelevanceThreshold {
			break
		}

		if res.Trace.Retries >= o.cfg.MaxQueryRetries {
			res.Degraded = true
			slog.Debug("retrieval: retry budget exhausted, degrading",
				"best_score", best, "retries", res.Trace.Retries)
			break
		}

		visit(StateRewrite)
		res.Trace.Retries++
		rewritten, err := o.analyzer.Rewrite(ctx, question, queries)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		queries = rewritten
	}

	visit(StateExpand)
	evidence, err := o.expand(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	res.Evidence = evidence

	visit(StateDone)
	return res, nil
}

// search embeds all queries in one batch and runs one KNN search per
// query, returning the combined results of the round.
func (o *Orchestrator) search(ctx context.Context, queries []string) ([]index.SearchResult, error) {
	embeddings, err := o.embedder.EmbedBatch(ctx, queries)
	if err != nil {
		return nil, err
	}

	var all []index.SearchResult
	for _, emb := range embeddings {
		results, err := o.searcher.SearchSemantic(ctx, emb, o.cfg.TopK)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	return all, nil
}

// mergeResults folds new results into the accumulated set, deduplicated
// by child with the higher score winning, sorted by score descending
// (ties toward the newer child), and truncated to topK.
func mergeResults(acc, results []index.SearchResult, topK int) []index.SearchResult {
	byChild := make(map[int64]index.SearchResult, len(acc)+len(results))
	for _, r := range acc {
		byChild[r.ChildID] = r
	}
	for _, r := range results {
		if prev, ok := byChild[r.ChildID]; !ok || r.Score > prev.Score {
			byChild[r.ChildID] = r
		}
	}

	merged := make([]index.SearchResult, 0, len(byChild))
	for _, r := range byChild {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ChildID > merged[j].ChildID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// expand attaches parent context to each result.
func (o *Orchestrator) expand(ctx context.Context, results []index.SearchResult) ([]Evidence, error) {
	if len(results) == 0 {
		return nil, nil
	}

	seen := make(map[int64]bool)
	var parentIDs []int64
	for _, r := range results {
		if !seen[r.ParentID] {
			seen[r.ParentID] = true
			parentIDs = append(parentIDs, r.ParentID)
		}
	}

	parents, err := o.searcher.ResolveParents(ctx, parentIDs)
	if err != nil {
		return nil, err
	}

	evidence := make([]Evidence, len(results))
	for i, r := range results {
		evidence[i] = Evidence{
			ChildID:       r.ChildID,
			ParentID:      r.ParentID,
			DocumentID:    r.DocumentID,
			SourceID:      r.SourceID,
			Title:         r.Title,
			Ordinal:       r.Ordinal,
			Content:       r.Content,
			ParentContent: parents[r.ParentID].Content,
			Score:         r.Score,
		}
	}
	return evidence, nil
}
