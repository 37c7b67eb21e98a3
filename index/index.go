// Package index is the persistence layer: documents, hierarchical chunks,
// vector and keyword search indexes, conversation sessions, and the ask
// audit log, all in one SQLite database via sqlite-vec and FTS5.
//
// FTS5 support in mattn/go-sqlite3 is behind a build tag, so anything
// importing this package must be built with -tags sqlite_fts5.
package index

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/asknote/asknote/chunker"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrDocumentNotFound is returned when a document id or source id does
	// not exist.
	ErrDocumentNotFound = errors.New("index: document not found")
	// ErrInconsistent is returned when a child chunk references a parent
	// that is missing from the database.
	ErrInconsistent = errors.New("index: parent chunk missing for child")
)

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	SourceID    string `json:"source_id"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ParentChunk is a stored parent section.
type ParentChunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Content    string `json:"content"`
}

// ChildChunk is a stored child window.
type ChildChunk struct {
	ID            int64  `json:"id"`
	ParentChunkID int64  `json:"parent_chunk_id"`
	DocumentID    int64  `json:"document_id"`
	Ordinal       int    `json:"ordinal"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
	Content       string `json:"content"`
}

// SearchResult holds a child chunk with its retrieval score and the
// document it belongs to.
type SearchResult struct {
	ChildID    int64   `json:"child_id"`
	ParentID   int64   `json:"parent_id"`
	DocumentID int64   `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Content    string  `json:"content"`
	SourceID   string  `json:"source_id"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
}

// AskRecord is one entry in the ask audit log.
type AskRecord struct {
	Question         string
	Answer           string
	Confidence       float64
	Degraded         bool
	Sources          any
	States           string
	Retries          int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Turn is one message in a conversation session.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store wraps the SQLite database for all persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db, embeddingDim: embeddingDim}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// InsertDocument stores a document with its parent and child chunks in a
// single transaction and returns the document ID plus the database IDs of
// the children in chunker order. The chunker assigns position-based
// ordinals; parent references are remapped to real database IDs on insert.
func (s *Store) InsertDocument(ctx context.Context, doc Document, parents []chunker.Parent, children []chunker.Child) (int64, []int64, error) {
	childIDs := make([]int64, len(children))
	var docID int64

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// LastInsertId is unreliable after ON CONFLICT DO UPDATE (no insert
		// happened), so resolve the id by source instead.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (source_id, title, content_type, content_hash, size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
				title = excluded.title,
				content_type = excluded.content_type,
				content_hash = excluded.content_hash,
				size = excluded.size,
				updated_at = CURRENT_TIMESTAMP
		`, doc.SourceID, doc.Title, doc.ContentType, doc.ContentHash, doc.Size); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM documents WHERE source_id = ?", doc.SourceID).Scan(&docID); err != nil {
			return err
		}

		// Re-ingest replaces all chunk data for the document. vec rows do
		// not cascade, so they go first.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_children WHERE chunk_id IN (
				SELECT id FROM child_chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM child_chunks WHERE document_id = ?", docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM parent_chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		parentIDs := make(map[int]int64, len(parents))
		pstmt, err := tx.PrepareContext(ctx, `
			INSERT INTO parent_chunks (document_id, ordinal, start_offset, end_offset, content)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer pstmt.Close()
		for _, p := range parents {
			res, err := pstmt.ExecContext(ctx, docID, p.Ordinal, p.Start, p.End, p.Text)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			parentIDs[p.Ordinal] = id
		}

		cstmt, err := tx.PrepareContext(ctx, `
			INSERT INTO child_chunks (parent_chunk_id, document_id, ordinal, start_offset, end_offset, content)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer cstmt.Close()
		for i, c := range children {
			parentID, ok := parentIDs[c.ParentOrdinal]
			if !ok {
				return fmt.Errorf("child %d references unknown parent ordinal %d", c.Ordinal, c.ParentOrdinal)
			}
			res, err := cstmt.ExecContext(ctx, parentID, docID, c.Ordinal, c.Start, c.End, c.Text)
			if err != nil {
				return err
			}
			childIDs[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return docID, childIDs, err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, title, content_type, content_hash, size, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.SourceID, &doc.Title, &doc.ContentType,
		&doc.ContentHash, &doc.Size, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocumentBySource retrieves a document by its source identifier.
func (s *Store) GetDocumentBySource(ctx context.Context, sourceID string) (*Document, error) {
	doc := &Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, title, content_type, content_hash, size, created_at, updated_at
		FROM documents WHERE source_id = ?
	`, sourceID).Scan(&doc.ID, &doc.SourceID, &doc.Title, &doc.ContentType,
		&doc.ContentHash, &doc.Size, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", sourceID, ErrDocumentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns all documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, title, content_type, content_hash, size, created_at, updated_at
		FROM documents ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.SourceID, &d.Title, &d.ContentType,
			&d.ContentHash, &d.Size, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and cascades to all chunks, vectors,
// and FTS rows.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// vec_children is a virtual table; ON DELETE CASCADE does not
		// reach it, so clear it explicitly.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_children WHERE chunk_id IN (
				SELECT id FROM child_chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}
		// Child deletion fires the FTS delete trigger.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM child_chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM parent_chunks WHERE document_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
		}
		return nil
	})
}

// ParentsByDocument returns a document's parent chunks in ordinal order.
func (s *Store) ParentsByDocument(ctx context.Context, docID int64) ([]ParentChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, start_offset, end_offset, content
		FROM parent_chunks WHERE document_id = ? ORDER BY ordinal
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parents []ParentChunk
	for rows.Next() {
		var p ParentChunk
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Ordinal, &p.Start, &p.End, &p.Content); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}

// --- Embedding operations ---

// InsertEmbeddings stores vectors for the given child chunk IDs.
// ids and embeddings must be the same length.
func (s *Store) InsertEmbeddings(ctx context.Context, ids []int64, embeddings [][]float32) error {
	if len(ids) != len(embeddings) {
		return fmt.Errorf("index: %d ids for %d embeddings", len(ids), len(embeddings))
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO vec_children (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range ids {
			if _, err := stmt.ExecContext(ctx, id, serializeFloat32(embeddings[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnembeddedChildren returns child chunks that have no vector yet, oldest
// first, up to limit. Used to resume indexing after a restart.
func (s *Store) UnembeddedChildren(ctx context.Context, limit int) ([]ChildChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.parent_chunk_id, c.document_id, c.ordinal, c.start_offset, c.end_offset, c.content
		FROM child_chunks c
		LEFT JOIN vec_children v ON v.chunk_id = c.id
		WHERE v.chunk_id IS NULL
		ORDER BY c.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []ChildChunk
	for rows.Next() {
		var c ChildChunk
		if err := rows.Scan(&c.ID, &c.ParentChunkID, &c.DocumentID, &c.Ordinal, &c.Start, &c.End, &c.Content); err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

// --- Search ---

// SearchSemantic performs a KNN search over child vectors, returning the
// top-k nearest children. Score is cosine similarity (1 - cosine
// distance). Ties break toward the most recently indexed chunk.
func (s *Store) SearchSemantic(ctx context.Context, queryEmbedding []float32, k int) ([]SearchResult, error) {
	// vec0 KNN queries accept only a bare ORDER BY distance; the
	// tie-break happens below after scanning.
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			c.parent_chunk_id, c.document_id, c.ordinal, c.content,
			d.source_id, d.title
		FROM vec_children v
		JOIN child_chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.ChildID, &distance,
			&r.ParentID, &r.DocumentID, &r.Ordinal, &r.Content,
			&r.SourceID, &r.Title); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChildID > results[j].ChildID
	})
	return results, nil
}

// SearchKeyword performs a full-text search using FTS5 BM25 ranking.
// FTS5 rank is negative with lower meaning better, so score is -rank.
// The raw query is sanitized first: natural questions carry punctuation
// that FTS5 would reject as query syntax.
func (s *Store) SearchKeyword(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			c.parent_chunk_id, c.document_id, c.ordinal, c.content,
			d.source_id, d.title
		FROM children_fts f
		JOIN child_chunks c ON c.id = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE children_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.ChildID, &rank,
			&r.ParentID, &r.DocumentID, &r.Ordinal, &r.Content,
			&r.SourceID, &r.Title); err != nil {
			return nil, err
		}
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResolveParents returns the parent chunks for the given parent IDs,
// keyed by ID. A missing parent means the hierarchy is corrupt and
// returns ErrInconsistent.
func (s *Store) ResolveParents(ctx context.Context, parentIDs []int64) (map[int64]ParentChunk, error) {
	if len(parentIDs) == 0 {
		return map[int64]ParentChunk{}, nil
	}

	query := `
		SELECT id, document_id, ordinal, start_offset, end_offset, content
		FROM parent_chunks WHERE id IN (?` + repeatPlaceholders(len(parentIDs)-1) + `)`
	args := make([]interface{}, len(parentIDs))
	seen := make(map[int64]bool, len(parentIDs))
	for i, id := range parentIDs {
		args[i] = id
		seen[id] = false
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parents := make(map[int64]ParentChunk, len(parentIDs))
	for rows.Next() {
		var p ParentChunk
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Ordinal, &p.Start, &p.End, &p.Content); err != nil {
			return nil, err
		}
		parents[p.ID] = p
		seen[p.ID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for id, found := range seen {
		if !found {
			return nil, fmt.Errorf("parent chunk %d: %w", id, ErrInconsistent)
		}
	}
	return parents, nil
}

// --- Sessions ---

// AppendTurn adds one message to a session, creating the session row on
// first use.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO sessions (id) VALUES (?)", sessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO turns (session_id, role, content) VALUES (?, ?, ?)",
			sessionID, turn.Role, turn.Content)
		return err
	})
}

// GetTurns returns a session's messages oldest first, up to limit.
// A limit of 0 returns everything.
func (s *Store) GetTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	q := "SELECT role, content FROM turns WHERE session_id = ? ORDER BY id"
	args := []interface{}{sessionID}
	if limit > 0 {
		// Keep the most recent turns, still returned in order.
		q = `SELECT role, content FROM (
			SELECT id, role, content FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- Ask audit log ---

// LogAsk writes an entry to the ask audit log.
func (s *Store) LogAsk(ctx context.Context, rec AskRecord) error {
	sourcesJSON, _ := json.Marshal(rec.Sources)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ask_log (question, answer, confidence, degraded, sources, states, retries,
			prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Question, rec.Answer, rec.Confidence, rec.Degraded, string(sourcesJSON),
		rec.States, rec.Retries, rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
	return err
}

// --- Stats ---

// Stats holds counts of key database objects.
type Stats struct {
	Documents  int `json:"documents"`
	Parents    int `json:"parents"`
	Children   int `json:"children"`
	Embeddings int `json:"embeddings"`
}

// Stats returns counts of documents, chunks, and embeddings.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM parent_chunks", &stats.Parents},
		{"SELECT COUNT(*) FROM child_chunks", &stats.Children},
		{"SELECT COUNT(*) FROM vec_children", &stats.Embeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// sanitizeFTSQuery rebuilds raw user input as a safe FTS5 expression:
// the full phrase (for exact matches) OR the individual words. Anything
// that is not a letter or digit is treated as a separator, and words are
// lowercased so AND/OR/NOT in the input stay plain terms instead of
// operators. Returns "" when no words survive.
func sanitizeFTSQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, `"`+strings.Join(words, " ")+`"`)
	}
	parts = append(parts, words...)
	return strings.Join(parts, " OR ")
}

// ContentHash returns the hex SHA-256 of content, used for change
// detection on re-ingest.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
