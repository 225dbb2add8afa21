package engine

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// ErrRetrievalUnavailable indicates the query could not be embedded, so no
// semantic search is possible. There is no lexical fallback; degraded
// keyword results would be worse than an honest error.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable: query embedding failed")

// queryCacheSize bounds the query-embedding cache. Repeated questions (and
// chat follow-ups over the same query) skip the embedding round-trip.
const queryCacheSize = 256

// Retriever answers semantic queries over the event store.
type Retriever struct {
	store    storage.EventStore
	embedder llm.Embedder
	cache    *lru.Cache[string, []float32]
}

// NewRetriever creates a retriever over the given store and embedder.
func NewRetriever(store storage.EventStore, embedder llm.Embedder) *Retriever {
	// Size is a positive constant, so construction cannot fail.
	cache, _ := lru.New[string, []float32](queryCacheSize)
	return &Retriever{
		store:    store,
		embedder: embedder,
		cache:    cache,
	}
}

// Retrieve embeds the query and returns the nearest events, closest first.
// An empty corpus yields an empty slice and no error; a failed query
// embedding yields ErrRetrievalUnavailable.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts storage.NearestOptions) ([]types.RetrievalCandidate, error) {
	vector, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := r.store.Nearest(ctx, vector, opts)
	if err != nil {
		return nil, fmt.Errorf("nearest-neighbor query: %w", err)
	}
	return candidates, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vector, ok := r.cache.Get(query); ok {
		return vector, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	r.cache.Add(query, vector)
	return vector, nil
}
