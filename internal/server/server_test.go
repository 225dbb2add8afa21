package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recollect/recollect/internal/config"
	"github.com/recollect/recollect/internal/engine"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage/sqlite"
	"github.com/recollect/recollect/pkg/types"
)

const testDim = 4

// stubGateway returns fixed vectors and answers.
type stubGateway struct {
	embedErr error
	answer   string
}

func (s *stubGateway) Embed(context.Context, string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return []float32{1, 0, 0, 0}, nil
}

func (s *stubGateway) Dimension() int { return testDim }

func (s *stubGateway) Generate(context.Context, string, string, []llm.Message) (string, error) {
	if s.answer == "" {
		return "stub answer", nil
	}
	return s.answer, nil
}

type testEnv struct {
	server  *httptest.Server
	store   *sqlite.EventStore
	queue   queue.Queue
	journal *engine.Journal
	apiKey  string
}

func newTestEnv(t *testing.T, gw llm.Gateway, apiKey string) *testEnv {
	t.Helper()

	store, err := sqlite.NewEventStore(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	q, err := queue.NewSQLiteQueue(store.DB(), queue.DefaultConfig())
	require.NoError(t, err)

	journal := engine.NewJournal(store, q, gw)

	cfg := &config.Config{
		Server: config.ServerConfig{
			RateLimitPerSec: 1000,
			RateLimitBurst:  1000,
		},
		Security: config.SecurityConfig{APIKey: apiKey},
	}

	srv := New(cfg, journal)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, store: store, queue: q, journal: journal, apiKey: apiKey}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIngestStoresAndQueues(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp := env.do(t, http.MethodPost, "/api/ingest", IngestRequest{
		SourceType: types.SourceNote,
		SourceApp:  "test",
		Content:    "remember this",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	event := decode[types.Event](t, resp)
	assert.NotEmpty(t, event.ID)
	assert.Contains(t, event.Metadata, types.MetadataCapturedAt)

	stored, err := env.store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, "remember this", stored.Content)

	stats, err := env.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestIngestRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp := env.do(t, http.MethodPost, "/api/ingest", IngestRequest{
		SourceType: "carrier-pigeon",
		Content:    "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/ingest", IngestRequest{
		SourceType: types.SourceNote,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSearchReturnsRankedResults(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")
	ctx := context.Background()

	event := &types.Event{
		ID:         "ev-1",
		CreatedAt:  time.Now().UTC(),
		SourceType: types.SourceNote,
		SourceApp:  "test",
		Content:    "content",
		Summary:    "summary",
		Embedding:  []float32{1, 0, 0, 0},
	}
	require.NoError(t, env.store.Put(ctx, event))

	resp := env.do(t, http.MethodPost, "/api/search", SearchRequest{Query: "anything", Limit: 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[SearchResponse](t, resp)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "ev-1", result.Results[0].Event.ID)
}

func TestSearchEmptyCorpus(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp := env.do(t, http.MethodPost, "/api/search", SearchRequest{Query: "anything"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[SearchResponse](t, resp)
	assert.Empty(t, result.Results)
}

func TestSearchModelDown(t *testing.T) {
	env := newTestEnv(t, &stubGateway{embedErr: llm.ErrModelUnavailable}, "")

	resp := env.do(t, http.MethodPost, "/api/search", SearchRequest{Query: "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChatNoContext(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Query: "what did I say?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[ChatResponse](t, resp)
	assert.Equal(t, llm.NoContextAnswer, result.Answer)
	assert.Empty(t, result.Citations)
}

func TestChatWithContext(t *testing.T) {
	env := newTestEnv(t, &stubGateway{answer: "You said hello."}, "")
	ctx := context.Background()

	event := &types.Event{
		ID:         "ev-1",
		CreatedAt:  time.Now().UTC(),
		SourceType: types.SourceChat,
		SourceApp:  "test",
		Title:      "Greeting",
		Content:    "hello there",
		Summary:    "A greeting.",
		Embedding:  []float32{1, 0, 0, 0},
	}
	require.NoError(t, env.store.Put(ctx, event))

	resp := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Query: "what did I say?", Limit: 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decode[ChatResponse](t, resp)
	assert.Equal(t, "You said hello.", result.Answer)
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "ev-1", result.Citations[0].EventID)
}

func TestGetAndDeleteEvent(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	created := decode[types.Event](t, env.do(t, http.MethodPost, "/api/ingest", IngestRequest{
		SourceType: types.SourceNote,
		SourceApp:  "test",
		Content:    "short-lived",
	}))

	resp := env.do(t, http.MethodGet, "/api/events/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[types.Event](t, resp)
	assert.Equal(t, "short-lived", got.Content)

	resp = env.do(t, http.MethodDelete, "/api/events/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/events/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	stats, err := env.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending, "pending enrichment should be dropped with the event")
}

func TestDeleteMissingEvent(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp := env.do(t, http.MethodDelete, "/api/events/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "secret")

	// Health needs no API key.
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "secret")

	// No key.
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/api/search", bytes.NewBufferString(`{"query":"x"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Wrong key.
	req, _ = http.NewRequest(http.MethodPost, env.server.URL+"/api/search", bytes.NewBufferString(`{"query":"x"}`))
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Bearer form of the right key.
	req, _ = http.NewRequest(http.MethodPost, env.server.URL+"/api/search", bytes.NewBufferString(`{"query":"x"}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, &stubGateway{}, "")

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestRateLimit(t *testing.T) {
	store, err := sqlite.NewEventStore(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q, err := queue.NewSQLiteQueue(store.DB(), queue.DefaultConfig())
	require.NoError(t, err)

	cfg := &config.Config{
		Server:   config.ServerConfig{RateLimitPerSec: 1, RateLimitBurst: 2},
		Security: config.SecurityConfig{},
	}
	srv := New(cfg, engine.NewJournal(store, q, &stubGateway{}))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "burst of requests should trip the rate limit")
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &fakeClient{ch: make(chan []byte, 4)}
	hub.register <- client

	hub.Broadcast(map[string]string{"type": "enriched", "event_id": "ev-1"})

	select {
	case data := <-client.ch:
		var msg map[string]string
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "ev-1", msg["event_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	hub.Stop()
}

type fakeClient struct {
	ch chan []byte
}

func (f *fakeClient) sendChannel() chan []byte { return f.ch }
func (f *fakeClient) closeConn()               {}
