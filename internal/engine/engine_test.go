package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/internal/content"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/internal/storage/sqlite"
	"github.com/recollect/recollect/pkg/types"
)

const testDim = 4

// mockGateway is a scriptable llm.Gateway.
type mockGateway struct {
	mu sync.Mutex

	embedFn    func(text string) ([]float32, error)
	generateFn func(systemPrompt, userText string, history []llm.Message) (string, error)

	embedCalls    []string
	generateCalls []string
}

func (m *mockGateway) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.embedCalls = append(m.embedCalls, text)
	m.mu.Unlock()
	if m.embedFn != nil {
		return m.embedFn(text)
	}
	return []float32{1, 0, 0, 0}, nil
}

func (m *mockGateway) Dimension() int { return testDim }

func (m *mockGateway) Generate(_ context.Context, systemPrompt, userText string, history []llm.Message) (string, error) {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, systemPrompt)
	m.mu.Unlock()
	if m.generateFn != nil {
		return m.generateFn(systemPrompt, userText, history)
	}
	return "a generated summary", nil
}

func (m *mockGateway) embedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.embedCalls)
}

func (m *mockGateway) generateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.generateCalls)
}

var _ llm.Gateway = (*mockGateway)(nil)

func newTestStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	store, err := sqlite.NewEventStore(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T, store *sqlite.EventStore) queue.Queue {
	t.Helper()
	q, err := queue.NewSQLiteQueue(store.DB(), queue.DefaultConfig())
	require.NoError(t, err)
	return q
}

func newNoteEvent(id, text string) *types.Event {
	return &types.Event{
		ID:         id,
		CreatedAt:  time.Now().UTC(),
		SourceType: types.SourceNote,
		SourceApp:  "test",
		Content:    text,
	}
}

func drainOnce(t *testing.T, pool *WorkerPool, q queue.Queue) {
	t.Helper()
	ctx := context.Background()
	for {
		task, err := q.Lease(ctx, time.Minute)
		require.NoError(t, err)
		if task == nil {
			return
		}
		pool.process(ctx, 0, task)
	}
}

func newTestPool(store storage.EventStore, q queue.Queue, gw llm.Gateway) *WorkerPool {
	return NewWorkerPool(store, q, NewEnricher(gw), WorkerConfig{Workers: 1, PollInterval: 10 * time.Millisecond})
}

func TestWorkerEnrichesEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	gw := &mockGateway{}
	pool := newTestPool(store, q, gw)

	event := newNoteEvent("ev-1", "remember to renew the passport in March")
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	drainOnce(t, pool, q)

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "a generated summary", got.Summary)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Embedding)
	assert.True(t, got.Enriched())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestWorkerDuplicateDeliveryConverges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	gw := &mockGateway{}
	pool := newTestPool(store, q, gw)

	event := newNoteEvent("ev-1", "some content")
	require.NoError(t, store.Put(ctx, event))

	// The same event delivered twice, as at-least-once allows.
	require.NoError(t, q.Push(ctx, event.ID))
	require.NoError(t, q.Push(ctx, event.ID))

	drainOnce(t, pool, q)

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, got.Enriched())

	// The second delivery found the event already enriched and made no
	// further model calls.
	assert.Equal(t, 1, gw.embedCount())
	assert.Equal(t, 1, gw.generateCount())
}

func TestWorkerDropsDeletedEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	pool := newTestPool(store, q, &mockGateway{})

	require.NoError(t, q.Push(ctx, "never-stored"))
	drainOnce(t, pool, q)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.DeadLettered)
}

func TestWorkerDeletionRaceDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)

	event := newNoteEvent("ev-1", "content to enrich")
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	// The event vanishes after the worker has loaded it but before the
	// enrichment write.
	gw := &mockGateway{
		embedFn: func(string) ([]float32, error) {
			require.NoError(t, store.Delete(ctx, event.ID))
			return []float32{1, 0, 0, 0}, nil
		},
	}
	pool := newTestPool(store, q, gw)

	drainOnce(t, pool, q)

	_, err := store.Get(ctx, event.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestWorkerTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)

	gw := &mockGateway{
		embedFn: func(string) ([]float32, error) {
			return nil, fmt.Errorf("provider down: %w", llm.ErrModelUnavailable)
		},
	}
	pool := newTestPool(store, q, gw)

	event := newNoteEvent("ev-1", "content")
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	task, err := q.Lease(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	pool.process(ctx, 0, task)

	// The task stays queued for retry with a backoff, not dead-lettered.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.DeadLettered)
}

func TestWorkerPermanentFailureDropsTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)

	gw := &mockGateway{
		embedFn: func(string) ([]float32, error) {
			return nil, fmt.Errorf("input refused: %w", llm.ErrModelRejected)
		},
	}
	pool := newTestPool(store, q, gw)

	event := newNoteEvent("ev-1", "content the model refuses")
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	drainOnce(t, pool, q)

	// Dropped, not retried: retrying the same input cannot succeed.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, got.Enriched())
}

func TestWorkerPartialEnrichmentCompletes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	gw := &mockGateway{}
	pool := newTestPool(store, q, gw)

	// Event already has a summary (earlier partial success); only the
	// embedding is missing.
	event := newNoteEvent("ev-1", "content")
	event.Summary = "existing summary"
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	drainOnce(t, pool, q)

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "existing summary", got.Summary, "existing summary must not be recomputed")
	assert.True(t, got.Enriched())
	assert.Equal(t, 0, gw.generateCount(), "no summary call when a summary exists")
	assert.Equal(t, 1, gw.embedCount())
}

func TestWorkerPoolStartStop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	gw := &mockGateway{}
	pool := newTestPool(store, q, gw)

	var enriched sync.Map
	pool.OnEnriched(func(id string) { enriched.Store(id, true) })

	event := newNoteEvent("ev-live", "pool lifecycle content")
	require.NoError(t, store.Put(ctx, event))
	require.NoError(t, q.Push(ctx, event.ID))

	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, event.ID)
		return err == nil && got.Enriched()
	}, 5*time.Second, 20*time.Millisecond)

	pool.Stop()

	_, ok := enriched.Load(event.ID)
	assert.True(t, ok, "completion callback should fire")
}

func TestRequeueStranded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := newTestQueue(t, store)

	// Stored but never pushed: the lost-enqueue case.
	require.NoError(t, store.Put(ctx, newNoteEvent("stranded-1", "a")))
	require.NoError(t, store.Put(ctx, newNoteEvent("stranded-2", "b")))

	enriched := newNoteEvent("done", "c")
	enriched.Summary = "s"
	enriched.Embedding = []float32{1, 0, 0, 0}
	require.NoError(t, store.Put(ctx, enriched))

	n, err := RequeueStranded(ctx, store, q, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestRetrieverEmptyCorpus(t *testing.T) {
	store := newTestStore(t)
	r := NewRetriever(store, &mockGateway{})

	results, err := r.Retrieve(context.Background(), "anything", storage.NearestOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieverEmbedFailure(t *testing.T) {
	store := newTestStore(t)
	gw := &mockGateway{
		embedFn: func(string) ([]float32, error) {
			return nil, fmt.Errorf("down: %w", llm.ErrModelUnavailable)
		},
	}
	r := NewRetriever(store, gw)

	_, err := r.Retrieve(context.Background(), "anything", storage.NearestOptions{})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestRetrieverCachesQueryEmbedding(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gw := &mockGateway{}
	r := NewRetriever(store, gw)

	_, err := r.Retrieve(ctx, "same question", storage.NearestOptions{})
	require.NoError(t, err)
	_, err = r.Retrieve(ctx, "same question", storage.NearestOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, gw.embedCount(), "repeated query should hit the embedding cache")
}

func TestRetrieverOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	near := newNoteEvent("near", "near content")
	near.Summary = "s"
	near.Embedding = []float32{1, 0, 0, 0}
	far := newNoteEvent("far", "far content")
	far.Summary = "s"
	far.Embedding = []float32{0, 1, 0, 0}
	require.NoError(t, store.Put(ctx, near))
	require.NoError(t, store.Put(ctx, far))

	r := NewRetriever(store, &mockGateway{})
	results, err := r.Retrieve(ctx, "query", storage.NearestOptions{Limit: 10})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Event.ID)
	assert.Equal(t, "far", results[1].Event.ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestAnswererNoContext(t *testing.T) {
	store := newTestStore(t)
	gw := &mockGateway{}
	answerer := NewAnswerer(NewRetriever(store, gw), gw)

	answer, citations, err := answerer.Answer(context.Background(), "what did I say?", nil, storage.NearestOptions{})
	require.NoError(t, err)

	assert.Equal(t, llm.NoContextAnswer, answer)
	assert.Empty(t, citations)
	assert.Equal(t, 0, gw.generateCount(), "no generation call without context")
}

func TestAnswererGroundedAnswer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	event := newNoteEvent("ev-1", strings.Repeat("long raw content ", 100))
	event.Title = "Trip notes"
	event.SourceType = types.SourceNote
	event.Summary = "Flight to Lisbon is on June 3rd."
	event.Embedding = []float32{1, 0, 0, 0}
	require.NoError(t, store.Put(ctx, event))

	var capturedSystem string
	gw := &mockGateway{
		generateFn: func(systemPrompt, userText string, history []llm.Message) (string, error) {
			capturedSystem = systemPrompt
			return "Your flight is on June 3rd.", nil
		},
	}
	answerer := NewAnswerer(NewRetriever(store, gw), gw)

	answer, citations, err := answerer.Answer(ctx, "when is my flight?", nil, storage.NearestOptions{Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, "Your flight is on June 3rd.", answer)
	require.Len(t, citations, 1)
	assert.Equal(t, "ev-1", citations[0].EventID)
	assert.Equal(t, "Trip notes", citations[0].Title)
	assert.Equal(t, types.SourceNote, citations[0].SourceType)

	// The prompt context carries the summary, not the raw content, inside
	// the context markers.
	assert.Contains(t, capturedSystem, "--- CONTEXT START ---")
	assert.Contains(t, capturedSystem, "--- CONTEXT END ---")
	assert.Contains(t, capturedSystem, "Lisbon")
	assert.Contains(t, capturedSystem, "(note) Trip notes")
	assert.NotContains(t, capturedSystem, "long raw content")
}

func TestAnswererExcerptsLongContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// No summary yet, so the prompt falls back to an excerpt of the
	// raw content.
	event := newNoteEvent("ev-1", strings.Repeat("x", 2000))
	event.Embedding = []float32{1, 0, 0, 0}
	require.NoError(t, store.Put(ctx, event))

	var capturedSystem string
	gw := &mockGateway{
		generateFn: func(systemPrompt, _ string, _ []llm.Message) (string, error) {
			capturedSystem = systemPrompt
			return "ok", nil
		},
	}
	answerer := NewAnswerer(NewRetriever(store, gw), gw)

	_, _, err := answerer.Answer(ctx, "q", nil, storage.NearestOptions{})
	require.NoError(t, err)

	assert.Contains(t, capturedSystem, strings.Repeat("x", excerptLimit))
	assert.NotContains(t, capturedSystem, strings.Repeat("x", excerptLimit+1))
}

// mockFetcher is a scriptable ArticleFetcher.
type mockFetcher struct {
	article content.Article
	err     error
	calls   int
}

func (m *mockFetcher) Fetch(context.Context, string) (content.Article, error) {
	m.calls++
	return m.article, m.err
}

func newTestJournal(t *testing.T) (*Journal, *sqlite.EventStore, queue.Queue, *mockGateway) {
	t.Helper()
	store := newTestStore(t)
	q := newTestQueue(t, store)
	gw := &mockGateway{}
	return NewJournal(store, q, gw), store, q, gw
}

func TestJournalSubmitAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	journal, store, q, _ := newTestJournal(t)

	event := &types.Event{
		SourceType: types.SourceNote,
		SourceApp:  "cli",
		Content:    "a note",
	}
	require.NoError(t, journal.Submit(ctx, event))

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.CreatedAt.IsZero())
	assert.Contains(t, event.Metadata, types.MetadataCapturedAt)

	stored, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "a note", stored.Content)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestJournalSubmitKeepsCallerCapturedAt(t *testing.T) {
	ctx := context.Background()
	journal, store, _, _ := newTestJournal(t)

	event := &types.Event{
		SourceType: types.SourceNote,
		SourceApp:  "cli",
		Content:    "a note",
		Metadata:   map[string]any{types.MetadataCapturedAt: "2024-01-01T00:00:00Z"},
	}
	require.NoError(t, journal.Submit(ctx, event))

	stored, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", stored.Metadata[types.MetadataCapturedAt])
}

func TestJournalSubmitRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	journal, _, _, _ := newTestJournal(t)

	err := journal.Submit(ctx, &types.Event{SourceType: types.SourceNote, Content: "   "})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = journal.Submit(ctx, &types.Event{SourceType: "telepathy", Content: "hello"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestJournalSubmitFetchesArticle(t *testing.T) {
	ctx := context.Background()
	journal, store, _, _ := newTestJournal(t)

	fetcher := &mockFetcher{article: content.Article{Title: "Fetched Title", Text: "fetched body"}}
	journal.WithFetcher(fetcher)

	event := &types.Event{
		SourceType: types.SourceWeb,
		SourceApp:  "clipper",
		Origin:     "https://example.com/post",
	}
	require.NoError(t, journal.Submit(ctx, event))

	stored, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "fetched body", stored.Content)
	assert.Equal(t, "Fetched Title", stored.Title)
	assert.Equal(t, 1, fetcher.calls)
}

func TestJournalSubmitFetchFailureStillStores(t *testing.T) {
	ctx := context.Background()
	journal, store, _, _ := newTestJournal(t)
	journal.WithFetcher(&mockFetcher{err: errors.New("timeout")})

	event := &types.Event{
		SourceType: types.SourceWeb,
		SourceApp:  "clipper",
		Origin:     "https://example.com/post",
	}
	require.NoError(t, journal.Submit(ctx, event))

	stored, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Content, "bookmark is kept even when the fetch fails")
}

func TestJournalSubmitDoesNotFetchWhenContentPresent(t *testing.T) {
	ctx := context.Background()
	journal, _, _, _ := newTestJournal(t)

	fetcher := &mockFetcher{article: content.Article{Text: "should not be used"}}
	journal.WithFetcher(fetcher)

	event := &types.Event{
		SourceType: types.SourceWeb,
		SourceApp:  "clipper",
		Origin:     "https://example.com/post",
		Content:    "caller-provided text",
	}
	require.NoError(t, journal.Submit(ctx, event))
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, "caller-provided text", event.Content)
}

func TestJournalRemoveDropsPendingEnrichment(t *testing.T) {
	ctx := context.Background()
	journal, store, q, _ := newTestJournal(t)

	event := &types.Event{SourceType: types.SourceNote, SourceApp: "cli", Content: "bye"}
	require.NoError(t, journal.Submit(ctx, event))
	require.NoError(t, journal.Remove(ctx, event.ID))

	_, err := store.Get(ctx, event.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestJournalRemoveMissing(t *testing.T) {
	journal, _, _, _ := newTestJournal(t)
	assert.ErrorIs(t, journal.Remove(context.Background(), "no-such-id"), storage.ErrNotFound)
}

func TestJournalSearchRejectsEmptyQuery(t *testing.T) {
	journal, _, _, _ := newTestJournal(t)

	_, err := journal.Search(context.Background(), "  ", storage.NearestOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, _, err = journal.Chat(context.Background(), "", nil, storage.NearestOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestJournalEndToEnd(t *testing.T) {
	ctx := context.Background()
	journal, store, q, gw := newTestJournal(t)
	pool := newTestPool(store, q, gw)

	event := &types.Event{
		SourceType: types.SourceChat,
		SourceApp:  "messenger",
		Title:      "Dinner plans",
		Content:    "We agreed to meet at the ramen place on Friday at 7pm.",
	}
	require.NoError(t, journal.Submit(ctx, event))

	drainOnce(t, pool, q)

	results, err := journal.Search(ctx, "where are we meeting", storage.NearestOptions{Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, event.ID, results[0].Event.ID)

	gw.generateFn = func(systemPrompt, _ string, _ []llm.Message) (string, error) {
		return "At the ramen place, Friday 7pm.", nil
	}
	answer, citations, err := journal.Chat(ctx, "where are we meeting?", nil, storage.NearestOptions{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, "At the ramen place, Friday 7pm.", answer)
	require.Len(t, citations, 1)
	assert.Equal(t, event.ID, citations[0].EventID)
	assert.Equal(t, "Dinner plans", citations[0].Title)
}
