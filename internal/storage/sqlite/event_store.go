package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// nearestMaxCandidates caps the number of embeddings loaded into memory
// during a vector search. Candidates are selected newest first, so the most
// recently captured events are always considered. Typical personal corpora
// (< 10k events) never hit this limit.
const nearestMaxCandidates = 10_000

// EventStore implements storage.EventStore using SQLite.
type EventStore struct {
	db        *sql.DB
	dimension int
}

// NewEventStore opens a SQLite database, configures WAL mode, and creates
// the schema. Use ":memory:" as the dsn for an ephemeral store.
func NewEventStore(dsn string, dimension int) (*EventStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &EventStore{db: db, dimension: dimension}, nil
}

// DB exposes the underlying handle so the enrichment queue can share the
// same database file.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Dimension returns the fixed embedding dimensionality.
func (s *EventStore) Dimension() int {
	return s.dimension
}

// Put validates and stores an event, overwriting any existing row with the
// same id.
func (s *EventStore) Put(ctx context.Context, event *types.Event) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("sqlite: event with id is required: %w", storage.ErrInvalidInput)
	}
	if len(event.Embedding) > 0 && len(event.Embedding) != s.dimension {
		return fmt.Errorf("sqlite: embedding has %d dimensions, store requires %d: %w",
			len(event.Embedding), s.dimension, storage.ErrDimensionMismatch)
	}
	if err := event.Validate(s.dimension); err != nil {
		return fmt.Errorf("sqlite: %v: %w", err, storage.ErrInvalidInput)
	}

	var metadataJSON any
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	const query = `
		INSERT INTO events (id, created_at, source_type, source_app, title, origin, content, summary, embedding, embedding_dim, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_type = excluded.source_type,
			source_app = excluded.source_app,
			title = excluded.title,
			origin = excluded.origin,
			content = excluded.content,
			summary = excluded.summary,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			metadata = excluded.metadata
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.CreatedAt.UTC(), string(event.SourceType), event.SourceApp,
		nullString(event.Title), nullString(event.Origin), event.Content,
		nullString(event.Summary), packVector(event.Embedding), nullDim(event.Embedding), metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("sqlite: Put %s: %w", event.ID, err)
	}
	return nil
}

const eventSelectColumns = `
	id, created_at, source_type, source_app, title, origin,
	content, summary, embedding, metadata
`

// Get returns the event or storage.ErrNotFound.
func (s *EventStore) Get(ctx context.Context, id string) (*types.Event, error) {
	const query = `SELECT ` + eventSelectColumns + ` FROM events WHERE id = ?`

	event, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: Get %s: %w", id, err)
	}
	return event, nil
}

// Delete removes the event. Returns storage.ErrNotFound for a missing id.
func (s *EventStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: Delete %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: Delete %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateEnrichment writes summary and embedding, each only when currently
// NULL, in one conditional statement so duplicate deliveries converge.
func (s *EventStore) UpdateEnrichment(ctx context.Context, id string, summary string, embedding []float32) error {
	if len(embedding) > 0 && len(embedding) != s.dimension {
		return fmt.Errorf("sqlite: embedding has %d dimensions, store requires %d: %w",
			len(embedding), s.dimension, storage.ErrDimensionMismatch)
	}

	const query = `
		UPDATE events SET
			summary = COALESCE(summary, ?),
			embedding = COALESCE(embedding, ?),
			embedding_dim = COALESCE(embedding_dim, ?)
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, nullString(summary), packVector(embedding), nullDim(embedding), id)
	if err != nil {
		return fmt.Errorf("sqlite: UpdateEnrichment %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: UpdateEnrichment %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Nearest loads embedded events (newest first, capped) and ranks them by
// exact cosine distance in process. Result ordering matches the Postgres
// backend: ascending distance, ties broken by most-recent created_at.
func (s *EventStore) Nearest(ctx context.Context, query []float32, opts storage.NearestOptions) ([]types.RetrievalCandidate, error) {
	opts.Normalize()

	if len(query) != s.dimension {
		return nil, fmt.Errorf("sqlite: query vector has %d dimensions, store requires %d: %w",
			len(query), s.dimension, storage.ErrDimensionMismatch)
	}

	const querySQL = `
		SELECT ` + eventSelectColumns + `
		FROM events
		WHERE embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, querySQL, nearestMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: Nearest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []types.RetrievalCandidate
	for rows.Next() {
		event, err := scanEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: Nearest scan: %w", err)
		}
		if len(event.Embedding) != s.dimension {
			return nil, fmt.Errorf("sqlite: stored embedding for %s has %d dimensions, store requires %d: %w",
				event.ID, len(event.Embedding), s.dimension, storage.ErrDimensionMismatch)
		}
		if !storage.MatchesFilter(event, opts.Filter) {
			continue
		}
		candidates = append(candidates, types.RetrievalCandidate{
			Event:    event,
			Distance: cosineDistance(query, event.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: Nearest rows: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].Event.CreatedAt.After(candidates[j].Event.CreatedAt)
	})

	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
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
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListUnenriched: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: ListUnenriched scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping verifies database connectivity.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *EventStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row *sql.Row) (*types.Event, error) {
	return scanEventFrom(row)
}

func scanEventRows(rows *sql.Rows) (*types.Event, error) {
	return scanEventFrom(rows)
}

func scanEventFrom(row rowScanner) (*types.Event, error) {
	var (
		event     types.Event
		srcType   string
		title     sql.NullString
		origin    sql.NullString
		summary   sql.NullString
		embedding []byte
		metadata  sql.NullString
	)

	err := row.Scan(&event.ID, &event.CreatedAt, &srcType, &event.SourceApp,
		&title, &origin, &event.Content, &summary, &embedding, &metadata)
	if err != nil {
		return nil, err
	}

	event.SourceType = types.SourceType(srcType)
	event.Title = title.String
	event.Origin = origin.String
	event.Summary = summary.String
	if len(embedding) > 0 {
		vec, err := unpackVector(embedding)
		if err != nil {
			return nil, fmt.Errorf("embedding for %s: %w", event.ID, err)
		}
		event.Embedding = vec
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("metadata for %s is not valid JSON: %w", event.ID, err)
		}
	}
	return &event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDim(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return len(embedding)
}

// packVector encodes a vector as a little-endian float32 blob, or NULL for
// an absent embedding.
func packVector(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func unpackVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=>
// operator: 0 for identical direction, 1 for orthogonal, 2 for opposite.
// A zero vector on either side yields the maximum distance.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Compile-time assertion.
var _ storage.EventStore = (*EventStore)(nil)
