package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/recollect/recollect/internal/engine"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// Handlers serves the journal API.
type Handlers struct {
	journal *engine.Journal
}

// NewHandlers creates the API handlers over the journal facade.
func NewHandlers(journal *engine.Journal) *Handlers {
	return &Handlers{journal: journal}
}

// IngestRequest is the POST /api/ingest payload.
type IngestRequest struct {
	SourceType types.SourceType `json:"source_type"`
	SourceApp  string           `json:"source_app"`
	Title      string           `json:"title"`
	Origin     string           `json:"origin"`
	Content    string           `json:"content"`
	Metadata   map[string]any   `json:"metadata"`
}

// Ingest accepts one event and enqueues its enrichment. The response carries
// the stored event; summary and embedding arrive asynchronously.
func (h *Handlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	event := &types.Event{
		SourceType: req.SourceType,
		SourceApp:  req.SourceApp,
		Title:      req.Title,
		Origin:     req.Origin,
		Content:    req.Content,
		Metadata:   req.Metadata,
	}

	if err := h.journal.Submit(r.Context(), event); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			respondError(w, http.StatusBadRequest, "invalid event", err)
			return
		}
		log.Printf("ERROR: Ingest failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to store event", nil)
		return
	}

	respondJSON(w, http.StatusCreated, event)
}

// SearchRequest is the POST /api/search payload.
type SearchRequest struct {
	Query  string                 `json:"query"`
	Limit  int                    `json:"limit"`
	Filter storage.MetadataFilter `json:"filter"`
}

// SearchResponse carries ranked candidates, closest first.
type SearchResponse struct {
	Results []types.RetrievalCandidate `json:"results"`
}

// Search runs a semantic query.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	results, err := h.journal.Search(r.Context(), req.Query, storage.NearestOptions{
		Limit:  req.Limit,
		Filter: req.Filter,
	})
	if err != nil {
		h.respondRetrievalError(w, err)
		return
	}
	if results == nil {
		results = []types.RetrievalCandidate{}
	}

	respondJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ChatRequest is the POST /api/chat payload.
type ChatRequest struct {
	Query   string        `json:"query"`
	History []llm.Message `json:"history"`
	Limit   int           `json:"limit"`
}

// ChatResponse is the grounded answer with its citations.
type ChatResponse struct {
	Answer    string           `json:"answer"`
	Citations []types.Citation `json:"citations"`
}

// Chat answers a question grounded in the journal.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	answer, citations, err := h.journal.Chat(r.Context(), req.Query, req.History, storage.NearestOptions{
		Limit: req.Limit,
	})
	if err != nil {
		h.respondRetrievalError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ChatResponse{Answer: answer, Citations: citations})
}

// GetEvent returns one stored event.
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.journal.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found", nil)
			return
		}
		log.Printf("ERROR: Get event failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load event", nil)
		return
	}
	respondJSON(w, http.StatusOK, event)
}

// DeleteEvent removes an event and any pending enrichment for it.
func (h *Handlers) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	err := h.journal.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found", nil)
			return
		}
		log.Printf("ERROR: Delete event failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to delete event", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports enrichment queue depth.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.journal.QueueStats(r.Context())
	if err != nil {
		log.Printf("ERROR: Queue stats failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to read queue stats", nil)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Health pings the backing store.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.journal.Health(r.Context()); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondRetrievalError maps retrieval-path errors to HTTP statuses.
func (h *Handlers) respondRetrievalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, engine.ErrRetrievalUnavailable), errors.Is(err, llm.ErrModelUnavailable):
		respondError(w, http.StatusServiceUnavailable, "model temporarily unavailable", nil)
	default:
		log.Printf("ERROR: Request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing more to do.
		log.Printf("ERROR: Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		message = message + ": " + err.Error()
	}
	respondJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	})
}
