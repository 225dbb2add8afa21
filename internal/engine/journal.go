package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recollect/recollect/internal/content"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// ArticleFetcher extracts readable text from a URL. Satisfied by
// content.Fetcher; mocked in tests.
type ArticleFetcher interface {
	Fetch(ctx context.Context, url string) (content.Article, error)
}

// Journal is the facade over the whole memory pipeline: ingestion, deletion,
// semantic search, and chat. Handlers and CLIs talk to the journal, never to
// the store or queue directly.
type Journal struct {
	store     storage.EventStore
	queue     queue.Queue
	retriever *Retriever
	answerer  *Answerer

	// fetcher, when set, fills in content for web events submitted with an
	// origin URL and no text.
	fetcher ArticleFetcher
}

// NewJournal wires the facade together.
func NewJournal(store storage.EventStore, q queue.Queue, gateway llm.Gateway) *Journal {
	retriever := NewRetriever(store, gateway)
	return &Journal{
		store:     store,
		queue:     q,
		retriever: retriever,
		answerer:  NewAnswerer(retriever, gateway),
	}
}

// WithFetcher enables article fetch for URL-only web events.
func (j *Journal) WithFetcher(fetcher ArticleFetcher) *Journal {
	j.fetcher = fetcher
	return j
}

// Submit ingests one event: identity and timestamps are assigned, URL-only
// web events get their article fetched, the event is stored, and enrichment
// is enqueued. The stored event is returned immediately; summary and
// embedding appear asynchronously.
func (j *Journal) Submit(ctx context.Context, event *types.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// captured_at records when the event was taken in; caller-supplied
	// values win.
	if event.Metadata == nil {
		event.Metadata = make(map[string]any)
	}
	if _, ok := event.Metadata[types.MetadataCapturedAt]; !ok {
		event.Metadata[types.MetadataCapturedAt] = event.CreatedAt.Format(time.RFC3339)
	}

	j.fetchArticle(ctx, event)

	if err := j.validate(event); err != nil {
		return err
	}

	if err := j.store.Put(ctx, event); err != nil {
		return fmt.Errorf("store event %s: %w", event.ID, err)
	}

	// Put-then-push: a lost push strands the event as stored-but-unenriched,
	// which the worker's recovery scan picks up. Ingestion does not fail.
	if err := j.queue.Push(ctx, event.ID); err != nil {
		log.Printf("ERROR: Failed to enqueue enrichment for event %s: %v", event.ID, err)
	}

	return nil
}

// fetchArticle fills in content for a web event submitted as a bare URL.
// Fetch failure is logged and the event keeps its empty content; capturing
// the bookmark still succeeds.
func (j *Journal) fetchArticle(ctx context.Context, event *types.Event) {
	if j.fetcher == nil || event.SourceType != types.SourceWeb {
		return
	}
	if strings.TrimSpace(event.Content) != "" || event.Origin == "" {
		return
	}

	article, err := j.fetcher.Fetch(ctx, event.Origin)
	if err != nil {
		log.Printf("WARNING: Article fetch failed for %s: %v", event.Origin, err)
		return
	}

	event.Content = article.Text
	if event.Title == "" {
		event.Title = article.Title
	}
}

// validate applies ingestion rules. Empty content is tolerated only for web
// events carrying an origin URL, whose fetch may have failed; everything
// else must bring text to enrich.
func (j *Journal) validate(event *types.Event) error {
	if err := event.Validate(j.store.Dimension()); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

// Remove deletes an event and drops any pending enrichment for it. A task
// already leased by a worker is left alone; the conditional enrichment write
// refuses to resurrect the deleted row.
func (j *Journal) Remove(ctx context.Context, id string) error {
	if err := j.store.Delete(ctx, id); err != nil {
		return err
	}

	if err := j.queue.Invalidate(ctx, id); err != nil {
		log.Printf("WARNING: Failed to invalidate queued enrichment for event %s: %v", id, err)
	}
	return nil
}

// Get returns a stored event.
func (j *Journal) Get(ctx context.Context, id string) (*types.Event, error) {
	return j.store.Get(ctx, id)
}

// Search runs a semantic query over the journal.
func (j *Journal) Search(ctx context.Context, query string, opts storage.NearestOptions) ([]types.RetrievalCandidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	return j.retriever.Retrieve(ctx, query, opts)
}

// Chat answers a question grounded in the journal, with citations.
func (j *Journal) Chat(ctx context.Context, query string, history []llm.Message, opts storage.NearestOptions) (string, []types.Citation, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	return j.answerer.Answer(ctx, query, history, opts)
}

// Health pings the backing store.
func (j *Journal) Health(ctx context.Context) error {
	return j.store.Ping(ctx)
}

// QueueStats reports enrichment queue depth.
func (j *Journal) QueueStats(ctx context.Context) (queue.Stats, error) {
	return j.queue.Stats(ctx)
}
