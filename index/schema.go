package index

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    source_id TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Large sections used as answer context. Offsets index into the original
-- document text so parents concatenate back to the source.
CREATE TABLE IF NOT EXISTS parent_chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    content TEXT NOT NULL
);

-- Small overlapping windows used for similarity search. Offsets index
-- into the parent's content.
CREATE TABLE IF NOT EXISTS child_chunks (
    id INTEGER PRIMARY KEY,
    parent_chunk_id INTEGER NOT NULL REFERENCES parent_chunks(id) ON DELETE CASCADE,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    content TEXT NOT NULL
);

-- Vector embeddings via sqlite-vec. Cosine metric, so distance = 1 - cos
-- and the similarity score reported by search is exactly cosine.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_children USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Full-text search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS children_fts USING fts5(
    content,
    content='child_chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

-- FTS triggers to keep index in sync
CREATE TRIGGER IF NOT EXISTS children_ai AFTER INSERT ON child_chunks BEGIN
    INSERT INTO children_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS children_ad AFTER DELETE ON child_chunks BEGIN
    INSERT INTO children_fts(children_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS children_au AFTER UPDATE ON child_chunks BEGIN
    INSERT INTO children_fts(children_fts, rowid, content) VALUES ('delete', old.id, old.content);
    INSERT INTO children_fts(rowid, content) VALUES (new.id, new.content);
END;

-- Conversation sessions
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Ask audit log
CREATE TABLE IF NOT EXISTS ask_log (
    id INTEGER PRIMARY KEY,
    question TEXT NOT NULL,
    answer TEXT,
    confidence REAL,
    degraded INTEGER DEFAULT 0,
    sources JSON,
    states TEXT,
    retries INTEGER DEFAULT 0,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_parents_document ON parent_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_children_parent ON child_chunks(parent_chunk_id);
CREATE INDEX IF NOT EXISTS idx_children_document ON child_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
`, embeddingDim)
}
