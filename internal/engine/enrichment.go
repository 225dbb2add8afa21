// Package engine contains the processing layer of the memory journal: the
// enrichment pipeline that computes summaries and embeddings for stored
// events, the retrieval engine, the RAG orchestrator, and the journal facade
// that ties ingestion, storage, and the queue together.
package engine

import (
	"context"
	"fmt"

	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/pkg/types"
)

// Enricher computes the missing enrichment outputs for an event. It holds no
// state beyond the gateway and is safe for concurrent use.
type Enricher struct {
	gateway llm.Gateway
}

// NewEnricher creates an enricher backed by the given model gateway.
func NewEnricher(gateway llm.Gateway) *Enricher {
	return &Enricher{gateway: gateway}
}

// ComputeMissing generates whichever of summary and embedding the event does
// not already have. Already-present outputs are returned as "" / nil so the
// store's write-if-absent update leaves them untouched; recomputing them
// would waste a model call and could only be discarded anyway.
func (e *Enricher) ComputeMissing(ctx context.Context, event *types.Event) (summary string, embedding []float32, err error) {
	if len(event.Embedding) == 0 {
		embedding, err = e.gateway.Embed(ctx, event.Content)
		if err != nil {
			return "", nil, fmt.Errorf("embedding for event %s: %w", event.ID, err)
		}
	}

	if event.Summary == "" {
		summary, err = e.gateway.Generate(ctx, llm.SummarySystemPrompt, event.Content, nil)
		if err != nil {
			return "", nil, fmt.Errorf("summary for event %s: %w", event.ID, err)
		}
	}

	return summary, embedding, nil
}
