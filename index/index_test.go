//go:build cgo

package index

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/asknote/asknote/chunker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(sourceID string) Document {
	return Document{
		SourceID:    sourceID,
		Title:       "notes.md",
		ContentType: "markdown",
		ContentHash: "abc123",
		Size:        42,
	}
}

// insertTestDoc stores one document with one parent and the given child
// texts, returning the document id and child ids.
func insertTestDoc(t *testing.T, s *Store, sourceID string, childTexts ...string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()

	var full string
	children := make([]chunker.Child, len(childTexts))
	offset := 0
	for i, text := range childTexts {
		children[i] = chunker.Child{ParentOrdinal: 0, Ordinal: i, Start: offset, End: offset + len(text), Text: text}
		full += text
		offset += len(text)
	}
	parents := []chunker.Parent{{Ordinal: 0, Start: 0, End: len(full), Text: full}}

	docID, childIDs, err := s.InsertDocument(ctx, sampleDoc(sourceID), parents, children)
	if err != nil {
		t.Fatalf("insert document: %v", err)
	}
	return docID, childIDs
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Document CRUD
// ---------------------------------------------------------------------------

func TestInsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, childIDs := insertTestDoc(t, s, "doc://notes", "first child text", "second child text")
	if docID == 0 {
		t.Fatal("expected non-zero document id")
	}
	if len(childIDs) != 2 {
		t.Fatalf("expected 2 child ids, got %d", len(childIDs))
	}

	got, err := s.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.SourceID != "doc://notes" {
		t.Errorf("source_id: got %q", got.SourceID)
	}
	if got.ContentType != "markdown" {
		t.Errorf("content_type: got %q", got.ContentType)
	}

	bySource, err := s.GetDocumentBySource(ctx, "doc://notes")
	if err != nil {
		t.Fatalf("get by source: %v", err)
	}
	if bySource.ID != docID {
		t.Errorf("id by source: got %d, want %d", bySource.ID, docID)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetDocument(ctx, 999); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := s.GetDocumentBySource(ctx, "doc://missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestReingestReplacesChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID1, childIDs1 := insertTestDoc(t, s, "doc://same", "original content here")
	if err := s.InsertEmbeddings(ctx, childIDs1, [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatalf("insert embeddings: %v", err)
	}

	docID2, _ := insertTestDoc(t, s, "doc://same", "replacement content here")
	if docID2 != docID1 {
		t.Fatalf("re-ingest created new document: %d vs %d", docID2, docID1)
	}

	parents, err := s.ParentsByDocument(ctx, docID1)
	if err != nil {
		t.Fatalf("parents: %v", err)
	}
	if len(parents) != 1 || parents[0].Content != "replacement content here" {
		t.Fatalf("old chunks not replaced: %+v", parents)
	}

	// Old vectors must be gone too.
	results, err := s.SearchSemantic(ctx, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected stale vectors removed, got %d results", len(results))
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, src := range []string{"doc://a", "doc://b", "doc://c"} {
		insertTestDoc(t, s, src, "content for "+src)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
}

// ---------------------------------------------------------------------------
// DeleteDocument (cascade)
// ---------------------------------------------------------------------------

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, childIDs := insertTestDoc(t, s, "doc://del", "deletable content")
	if err := s.InsertEmbeddings(ctx, childIDs, [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatalf("insert embeddings: %v", err)
	}

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	if _, err := s.GetDocument(ctx, docID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected document gone, got err=%v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Parents != 0 || stats.Children != 0 || stats.Embeddings != 0 {
		t.Fatalf("cascade incomplete: %+v", stats)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteDocument(context.Background(), 12345); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Semantic search
// ---------------------------------------------------------------------------

func TestSearchSemantic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, childIDs := insertTestDoc(t, s, "doc://vec", "alpha content", "beta content")

	// Orthogonal embeddings so distance is clear.
	err := s.InsertEmbeddings(ctx, childIDs, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("insert embeddings: %v", err)
	}

	results, err := s.SearchSemantic(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("semantic search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Content != "alpha content" {
		t.Errorf("expected nearest to be 'alpha content', got %q", results[0].Content)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected first score (%f) > second (%f)", results[0].Score, results[1].Score)
	}
	if results[0].Title != "notes.md" {
		t.Errorf("title: got %q", results[0].Title)
	}
	if results[0].ParentID == 0 {
		t.Error("expected parent id on result")
	}
}

func TestSearchSemanticTieBreaksNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ids1 := insertTestDoc(t, s, "doc://old", "identical text")
	_, ids2 := insertTestDoc(t, s, "doc://new", "identical text")

	// Same vector for both, so distances tie exactly.
	v := []float32{0, 0, 1, 0}
	if err := s.InsertEmbeddings(ctx, ids1, [][]float32{v}); err != nil {
		t.Fatalf("embeddings 1: %v", err)
	}
	if err := s.InsertEmbeddings(ctx, ids2, [][]float32{v}); err != nil {
		t.Fatalf("embeddings 2: %v", err)
	}

	results, err := s.SearchSemantic(ctx, v, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChildID != ids2[0] {
		t.Errorf("tie should favor the most recently indexed chunk: got %d, want %d",
			results[0].ChildID, ids2[0])
	}
}

func TestSearchSemanticScoreIsCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, childIDs := insertTestDoc(t, s, "doc://cos", "angled content")
	if err := s.InsertEmbeddings(ctx, childIDs, [][]float32{{0.6, 0.8, 0, 0}}); err != nil {
		t.Fatalf("insert embeddings: %v", err)
	}

	results, err := s.SearchSemantic(ctx, []float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("semantic search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	// cos({0.6, 0.8}, {1, 0}) = 0.6
	if math.Abs(results[0].Score-0.6) > 1e-4 {
		t.Errorf("score must be cosine similarity: got %f, want 0.6", results[0].Score)
	}
}

// ---------------------------------------------------------------------------
// Keyword search
// ---------------------------------------------------------------------------

func TestSearchKeyword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestDoc(t, s, "doc://fts",
		"the quick brown fox jumps over the lazy dog",
		"artificial intelligence and machine learning",
		"quantum computing uses qubits")

	results, err := s.SearchKeyword(ctx, "artificial intelligence", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one keyword result")
	}
	if results[0].Content != "artificial intelligence and machine learning" {
		t.Errorf("top result: got %q", results[0].Content)
	}
	if results[0].Score <= 0 {
		t.Errorf("expected positive score, got %f", results[0].Score)
	}
}

func TestSearchKeywordNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestDoc(t, s, "doc://fts2", "hello world")

	results, err := s.SearchKeyword(ctx, "zzzyyyxxx", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results for nonsense query, got %d", len(results))
	}
}

func TestSearchKeywordPunctuation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertTestDoc(t, s, "doc://punct", "cache invalidation is hard")

	// Apostrophes, quotes, and operators are FTS5 syntax in raw form.
	for _, q := range []string{
		`what's "cache`,
		`cache-invalidation?`,
		`(cache) OR NOT`,
	} {
		results, err := s.SearchKeyword(ctx, q, 5)
		if err != nil {
			t.Fatalf("query %q: %v", q, err)
		}
		if len(results) == 0 {
			t.Errorf("query %q: expected the cache chunk to match", q)
		}
	}

	// Pure punctuation has no searchable terms.
	results, err := s.SearchKeyword(ctx, `"?!--"`, 5)
	if err != nil {
		t.Fatalf("punctuation-only query: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("punctuation-only query matched %d results", len(results))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"cache", "cache"},
		{"cache invalidation", `"cache invalidation" OR cache OR invalidation`},
		{`what's up`, `"what s up" OR what OR s OR up`},
		{"(cache) OR NOT", `"cache or not" OR cache OR or OR not`},
		{`"?!--"`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFTSQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Parent resolution
// ---------------------------------------------------------------------------

func TestResolveParents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, _ := insertTestDoc(t, s, "doc://parents", "child one text", "child two text")

	parents, err := s.ParentsByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("parents by doc: %v", err)
	}
	if len(parents) != 1 {
		t.Fatalf("expected 1 parent, got %d", len(parents))
	}

	got, err := s.ResolveParents(ctx, []int64{parents[0].ID})
	if err != nil {
		t.Fatalf("resolve parents: %v", err)
	}
	if got[parents[0].ID].Content != "child one textchild two text" {
		t.Errorf("parent content: got %q", got[parents[0].ID].Content)
	}
}

func TestResolveParentsMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ResolveParents(context.Background(), []int64{42})
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent for missing parent, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Pending embeddings
// ---------------------------------------------------------------------------

func TestUnembeddedChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, childIDs := insertTestDoc(t, s, "doc://pending", "embedded text", "not yet embedded")
	if err := s.InsertEmbeddings(ctx, childIDs[:1], [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatalf("insert embeddings: %v", err)
	}

	pending, err := s.UnembeddedChildren(ctx, 10)
	if err != nil {
		t.Fatalf("unembedded children: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending child, got %d", len(pending))
	}
	if pending[0].ID != childIDs[1] {
		t.Errorf("pending child: got %d, want %d", pending[0].ID, childIDs[1])
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, turn := range []Turn{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	} {
		if err := s.AppendTurn(ctx, "sess-1", turn); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	turns, err := s.GetTurns(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Content != "first question" || turns[2].Role != "user" {
		t.Errorf("turns out of order: %+v", turns)
	}

	// A limit keeps the most recent turns but preserves order.
	recent, err := s.GetTurns(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("get turns with limit: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(recent))
	}
	if recent[0].Content != "first answer" || recent[1].Content != "second question" {
		t.Errorf("limited turns wrong: %+v", recent)
	}
}

func TestSessionIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendTurn(ctx, "sess-a", Turn{Role: "user", Content: "a"})
	s.AppendTurn(ctx, "sess-b", Turn{Role: "user", Content: "b"})

	turns, err := s.GetTurns(ctx, "sess-a", 0)
	if err != nil {
		t.Fatalf("get turns: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "a" {
		t.Fatalf("session leakage: %+v", turns)
	}
}

// ---------------------------------------------------------------------------
// Ask log
// ---------------------------------------------------------------------------

func TestLogAsk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := AskRecord{
		Question:   "What is Go?",
		Answer:     "A programming language",
		Confidence: 0.95,
		Sources:    []string{"doc://notes"},
		States:     "analyze,search,evaluate,done",
		Retries:    1,
	}
	if err := s.LogAsk(ctx, rec); err != nil {
		t.Fatalf("log ask: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ask_log").Scan(&count); err != nil {
		t.Fatalf("count ask_log: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 log entry, got %d", count)
	}

	var question, states string
	var retries int
	err := s.db.QueryRowContext(ctx,
		"SELECT question, states, retries FROM ask_log LIMIT 1").Scan(&question, &states, &retries)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if question != "What is Go?" || retries != 1 {
		t.Errorf("log row: question=%q retries=%d", question, retries)
	}
}
