// Package types defines the core data structures for the Recollect memory
// journal: events, enrichment tasks, and retrieval results. Events carry an
// optional summary and embedding that are populated asynchronously after
// ingestion.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceType classifies where an event originated.
type SourceType string

// Source type constants. The set is closed; validation rejects anything else.
const (
	// SourceChat is a chat or conversation transcript.
	SourceChat SourceType = "chat"

	// SourceWeb is a captured web article or page.
	SourceWeb SourceType = "web"

	// SourceFile is an imported file from disk.
	SourceFile SourceType = "file"

	// SourceNote is a free-form note.
	SourceNote SourceType = "note"
)

// ValidSourceTypes lists every accepted source type, for validation.
var ValidSourceTypes = []SourceType{
	SourceChat,
	SourceWeb,
	SourceFile,
	SourceNote,
}

// IsValidSourceType checks if the given source type is valid.
func IsValidSourceType(st SourceType) bool {
	for _, valid := range ValidSourceTypes {
		if valid == st {
			return true
		}
	}
	return false
}

// MetadataCapturedAt is the reserved metadata key auto-populated at ingestion
// with an RFC 3339 timestamp when the caller did not supply one.
const MetadataCapturedAt = "captured_at"

// Event is the unit of memory. ID and CreatedAt are assigned at creation and
// immutable. Summary and Embedding are absent until async enrichment
// completes; Content is the enrichment input and is required.
type Event struct {
	// ID is an opaque unique identifier assigned at creation.
	ID string `json:"id"`

	// CreatedAt is the creation timestamp, set at ingestion.
	CreatedAt time.Time `json:"created_at"`

	// SourceType classifies the origin (chat, web, file, note).
	SourceType SourceType `json:"source_type"`

	// SourceApp names the application the event came from.
	SourceApp string `json:"source_app"`

	// Title is an optional human-readable title.
	Title string `json:"title,omitempty"`

	// Origin is the URL or filesystem path the event was captured from.
	Origin string `json:"origin,omitempty"`

	// Content is the raw captured text. Required; enrichment input.
	Content string `json:"content"`

	// Summary is a short LLM-generated summary, empty until enriched.
	Summary string `json:"summary,omitempty"`

	// Embedding is the fixed-length semantic vector, nil until enriched.
	// Its length is fixed system-wide by the model gateway configuration.
	Embedding []float32 `json:"embedding,omitempty"`

	// Metadata is an open key/value map. The captured_at key is merged in
	// at ingestion when absent; existing keys are never overwritten.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Enriched reports whether both enrichment outputs are present.
func (e *Event) Enriched() bool {
	return e.Summary != "" && len(e.Embedding) > 0
}

// Validate checks that the event is acceptable for ingestion.
// dimension is the system embedding dimensionality; a non-nil embedding of
// any other length is rejected rather than silently truncated.
func (e *Event) Validate(dimension int) error {
	if strings.TrimSpace(e.Content) == "" {
		// A web capture whose article fetch failed is kept as a bare
		// bookmark; everything else must bring text to enrich.
		if e.SourceType != SourceWeb || e.Origin == "" {
			return fmt.Errorf("event content is required")
		}
	}
	if !IsValidSourceType(e.SourceType) {
		return fmt.Errorf("invalid source type %q", e.SourceType)
	}
	if len(e.Embedding) > 0 && len(e.Embedding) != dimension {
		return fmt.Errorf("embedding has %d dimensions, store requires %d", len(e.Embedding), dimension)
	}
	return nil
}

// EnrichmentTask is one unit of pending enrichment work: an event id plus
// delivery bookkeeping. Tasks are ephemeral; they are deleted on ack and
// moved to the dead-letter table after the retry limit.
type EnrichmentTask struct {
	// ID is the queue-assigned task identifier.
	ID int64 `json:"id"`

	// EventID is the event awaiting enrichment.
	EventID string `json:"event_id"`

	// Retries counts prior failed delivery attempts.
	Retries int `json:"retries"`

	// EnqueuedAt is when the task was first pushed.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// LeaseToken identifies the current lease; acks and nacks must present
	// the token so a timed-out worker cannot ack a task re-leased elsewhere.
	LeaseToken string `json:"-"`
}

// RetrievalCandidate pairs an event with its distance from a query vector.
// Distance is cosine distance: 0 identical, larger is less similar.
type RetrievalCandidate struct {
	Event    *Event  `json:"event"`
	Distance float64 `json:"distance"`
}

// Citation records the provenance of one context entry used to answer a chat
// query, in the order the entries appeared in the prompt context.
type Citation struct {
	EventID    string     `json:"id"`
	Title      string     `json:"title"`
	SourceType SourceType `json:"source_type"`
	Distance   float64    `json:"similarity_score"`
}
