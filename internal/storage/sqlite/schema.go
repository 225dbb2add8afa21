// Package sqlite provides the embedded event store for single-user
// deployments. Vectors are stored as packed little-endian float32 blobs and
// searched with an exact cosine scan; very large corpora should migrate to
// the PostgreSQL backend for indexed ANN search.
package sqlite

// Schema contains the SQL statements to create the events schema.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    source_type TEXT NOT NULL,
    source_app TEXT NOT NULL DEFAULT '',
    title TEXT,
    origin TEXT,
    content TEXT NOT NULL,

    -- Enrichment outputs, NULL until the worker pool fills them in.
    summary TEXT,
    embedding BLOB,
    embedding_dim INTEGER,

    -- Open application-defined metadata (JSON object).
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_origin ON events (origin);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
`
