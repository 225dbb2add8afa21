package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// EventStore implements storage.EventStore using PostgreSQL with pgvector.
type EventStore struct {
	db        *sql.DB
	dimension int
}

// NewEventStore opens a connection pool, verifies connectivity, and ensures
// the schema exists.
func NewEventStore(dsn string, dimension int) (*EventStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	if _, err := db.Exec(Schema(dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	return &EventStore{db: db, dimension: dimension}, nil
}

// NewEventStoreWithDB wraps an existing database handle. The schema must
// already exist. Used by tests and by processes sharing one pool between
// the store and the queue.
func NewEventStoreWithDB(db *sql.DB, dimension int) *EventStore {
	return &EventStore{db: db, dimension: dimension}
}

// DB exposes the underlying handle so the enrichment queue can live in the
// same database as the events it references.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Dimension returns the fixed embedding dimensionality.
func (s *EventStore) Dimension() int {
	return s.dimension
}

// eventSelectColumns is the canonical SELECT column list for the events
// table. It must match the scan order in scanEvent.
// The embedding is selected as text because pgvector's Scan does not accept
// SQL NULL, and unenriched rows are NULL by design.
const eventSelectColumns = `
	id, created_at, source_type, source_app, title, origin,
	content, summary, embedding::text, metadata
`

// Put validates and stores an event, overwriting any existing row with the
// same id.
func (s *EventStore) Put(ctx context.Context, event *types.Event) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("postgres: event with id is required: %w", storage.ErrInvalidInput)
	}
	if len(event.Embedding) > 0 && len(event.Embedding) != s.dimension {
		return fmt.Errorf("postgres: embedding has %d dimensions, store requires %d: %w",
			len(event.Embedding), s.dimension, storage.ErrDimensionMismatch)
	}
	if err := event.Validate(s.dimension); err != nil {
		return fmt.Errorf("postgres: %v: %w", err, storage.ErrInvalidInput)
	}

	metadataJSON, err := marshalMetadata(event.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO events (id, created_at, source_type, source_app, title, origin, content, summary, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			source_type = excluded.source_type,
			source_app = excluded.source_app,
			title = excluded.title,
			origin = excluded.origin,
			content = excluded.content,
			summary = excluded.summary,
			embedding = excluded.embedding,
			metadata = excluded.metadata
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt, string(event.SourceType), event.SourceApp,
		nullString(event.Title), nullString(event.Origin), event.Content,
		nullString(event.Summary), nullVector(event.Embedding), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: Put %s: %w", event.ID, err)
	}
	return nil
}

// Get returns the event or storage.ErrNotFound.
func (s *EventStore) Get(ctx context.Context, id string) (*types.Event, error) {
	const query = `SELECT ` + eventSelectColumns + ` FROM events WHERE id = $1`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: Get %s: %w", id, err)
	}
	return event, nil
}

// Delete removes the event. Returns storage.ErrNotFound for a missing id.
func (s *EventStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: Delete %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: Delete %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateEnrichment writes summary and embedding, each only when the column
// is currently NULL. The COALESCE keeps the conditional inside a single
// statement so duplicate deliveries racing each other converge on whichever
// value landed first.
func (s *EventStore) UpdateEnrichment(ctx context.Context, id string, summary string, embedding []float32) error {
	if len(embedding) > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("postgres: embedding has %d dimensions, store requires %d: %w",
			len(embedding), s.dimension, storage.ErrDimensionMismatch)
	}

	const query = `
		UPDATE events SET
			summary = COALESCE(summary, $2),
			embedding = COALESCE(embedding, $3)
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, nullString(summary), nullVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: UpdateEnrichment %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: UpdateEnrichment %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Nearest performs an approximate nearest-neighbor query via the HNSW index,
// ordered by ascending cosine distance with most-recent created_at breaking
// ties. Only rows with a non-null embedding participate.
func (s *EventStore) Nearest(ctx context.Context, query []float32, opts storage.NearestOptions) ([]types.RetrievalCandidate, error) {
	opts.Normalize()

	if len(query) != s.dimension {
		return nil, fmt.Errorf("postgres: query vector has %d dimensions, store requires %d: %w",
			len(query), s.dimension, storage.ErrDimensionMismatch)
	}

	vec := pgvector.NewVector(query)
	args := []any{vec, opts.Limit}

	querySQL := `
		SELECT ` + eventSelectColumns + `, embedding <=> $1 AS distance
		FROM events
		WHERE embedding IS NOT NULL
	`
	if len(opts.Filter) > 0 {
		filterJSON, err := json.Marshal(map[string]any(opts.Filter))
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to marshal filter: %w", err)
		}
		querySQL += ` AND metadata @> $3::jsonb`
		args = append(args, string(filterJSON))
	}
	querySQL += `
		ORDER BY embedding <=> $1 ASC, created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: Nearest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []types.RetrievalCandidate
	for rows.Next() {
		event, distance, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: Nearest scan: %w", err)
		}
		candidates = append(candidates, types.RetrievalCandidate{Event: event, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: Nearest rows: %w", err)
	}
	return candidates, nil
}

// ListUnenriched returns ids of events still missing enrichment output,
// oldest first.
func (s *EventStore) ListUnenriched(ctx context.Context, limit int) ([]string, error) {
	if limit < 1 {
		limit = 100
	}

	const query = `
		SELECT id FROM events
		WHERE summary IS NULL OR embedding IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: ListUnenriched: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: ListUnenriched scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping verifies database connectivity.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var (
		event     types.Event
		srcType   string
		title     sql.NullString
		origin    sql.NullString
		summary   sql.NullString
		embedding sql.NullString
		metadata  []byte
	)

	err := row.Scan(&event.ID, &event.CreatedAt, &srcType, &event.SourceApp,
		&title, &origin, &event.Content, &summary, &embedding, &metadata)
	if err != nil {
		return nil, err
	}

	return assembleEvent(&event, srcType, title, origin, summary, embedding, metadata)
}

func scanCandidate(row rowScanner) (*types.Event, float64, error) {
	var (
		event     types.Event
		srcType   string
		title     sql.NullString
		origin    sql.NullString
		summary   sql.NullString
		embedding sql.NullString
		metadata  []byte
		distance  float64
	)

	err := row.Scan(&event.ID, &event.CreatedAt, &srcType, &event.SourceApp,
		&title, &origin, &event.Content, &summary, &embedding, &metadata, &distance)
	if err != nil {
		return nil, 0, err
	}

	assembled, err := assembleEvent(&event, srcType, title, origin, summary, embedding, metadata)
	return assembled, distance, err
}

func assembleEvent(event *types.Event, srcType string, title, origin, summary, embedding sql.NullString,
	metadata []byte) (*types.Event, error) {

	event.SourceType = types.SourceType(srcType)
	event.Title = title.String
	event.Origin = origin.String
	event.Summary = summary.String
	if embedding.Valid {
		var vec pgvector.Vector
		if err := vec.Scan([]byte(embedding.String)); err != nil {
			return nil, fmt.Errorf("embedding for %s is not a valid vector: %w", event.ID, err)
		}
		event.Embedding = vec.Slice()
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("metadata for %s is not valid JSON: %w", event.ID, err)
		}
	}
	return event, nil
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullVector returns a driver value for the embedding column: NULL when the
// event has not been enriched yet.
func nullVector(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// Compile-time assertion.
var _ storage.EventStore = (*EventStore)(nil)
