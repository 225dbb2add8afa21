// Package storage defines the event store contract shared by the SQLite and
// PostgreSQL backends, plus the sentinel errors both return.
package storage

import (
	"context"
	"errors"
	"reflect"

	"github.com/recollect/recollect/pkg/types"
)

var (
	// ErrNotFound indicates that the requested event was not found.
	ErrNotFound = errors.New("event not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates a vector of the wrong length reached
	// a write path. Stored vectors have one fixed system-wide length;
	// anything else is data corruption, so the write is rejected rather
	// than truncated.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// MetadataFilter restricts queries to events whose metadata contains every
// listed key with an equal value. Backed by the JSONB containment operator
// on Postgres and an in-process match on SQLite.
type MetadataFilter map[string]any

// NearestOptions configures a nearest-neighbor query.
type NearestOptions struct {
	// Limit is the maximum number of candidates returned (default 5,
	// capped at 100).
	Limit int

	// Filter optionally restricts candidates by metadata equality.
	Filter MetadataFilter
}

// Normalize applies defaults and bounds to the options.
func (o *NearestOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 5
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// EventStore is the durable record of events. Implementations must support
// concurrent reads and writes to different rows; index maintenance is the
// backend's concern.
type EventStore interface {
	// Put validates and stores an event. An existing id is overwritten.
	Put(ctx context.Context, event *types.Event) error

	// Get returns the event or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Event, error)

	// Delete removes the event. Deleting a missing id returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// UpdateEnrichment writes the summary and embedding for an event, but
	// only fields that are currently absent: a previously computed value
	// is never clobbered, which makes duplicate enrichment deliveries
	// converge. Pass "" or nil to leave a field untouched. Returns
	// ErrNotFound when the event no longer exists, so a worker racing a
	// deletion never resurrects the row.
	UpdateEnrichment(ctx context.Context, id string, summary string, embedding []float32) error

	// Nearest returns up to opts.Limit events with non-null embeddings,
	// ordered by ascending cosine distance from the query vector; ties
	// are broken by most-recent created_at first.
	Nearest(ctx context.Context, query []float32, opts NearestOptions) ([]types.RetrievalCandidate, error)

	// ListUnenriched returns ids of events still missing a summary or
	// embedding, oldest first, for recovery re-queueing.
	ListUnenriched(ctx context.Context, limit int) ([]string, error)

	// Dimension returns the fixed embedding dimensionality of the store.
	Dimension() int

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// MatchesFilter reports whether the event's metadata satisfies the filter.
// Used by backends without native JSON containment queries.
func MatchesFilter(event *types.Event, filter MetadataFilter) bool {
	if len(filter) == 0 {
		return true
	}
	if event.Metadata == nil {
		return false
	}
	for key, want := range filter {
		got, ok := event.Metadata[key]
		// DeepEqual because JSON metadata values may be maps or slices.
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
