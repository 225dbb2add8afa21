// Package postgres provides the PostgreSQL event store, backed by pgvector
// for approximate nearest-neighbor search.
package postgres

import "fmt"

// Schema returns the SQL statements to create the events schema for the
// given embedding dimensionality. The HNSW index trades exact recall for
// logarithmic-ish query latency; the GIN index serves metadata containment
// filters without a full scan.
func Schema(dimension int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    source_type TEXT NOT NULL,
    source_app TEXT NOT NULL DEFAULT '',
    title TEXT,
    origin TEXT,
    content TEXT NOT NULL,

    -- Enrichment outputs, NULL until the worker pool fills them in.
    summary TEXT,
    embedding vector(%d),

    -- Open application-defined metadata.
    metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_events_embedding_hnsw
    ON events USING hnsw (embedding vector_cosine_ops)
    WITH (m = 16, ef_construction = 64);

CREATE INDEX IF NOT EXISTS idx_events_metadata_gin
    ON events USING gin (metadata);

CREATE INDEX IF NOT EXISTS idx_events_origin ON events (origin);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at);
`, dimension)
}
