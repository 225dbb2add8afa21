// Package server provides the Recollect HTTP API: ingestion, semantic
// search, grounded chat, event management, and the live activity feed.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/recollect/recollect/internal/config"
	"github.com/recollect/recollect/internal/engine"
)

// Server owns the HTTP listener and the activity hub.
type Server struct {
	cfg      *config.Config
	handlers *Handlers
	hub      *Hub
	httpSrv  *http.Server
}

// New assembles the server. The hub is created but not running until Start.
func New(cfg *config.Config, journal *engine.Journal) *Server {
	return &Server{
		cfg:      cfg,
		handlers: NewHandlers(journal),
		hub:      NewHub(),
	}
}

// Hub returns the activity hub, for wiring enrichment broadcasts.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Routes builds the full handler chain: security headers and rate limiting
// on everything, authentication on the /api routes only. /health stays open
// for load balancers and the websocket carries no journal data beyond ids.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc("POST /api/ingest", s.handlers.Ingest)
	api.HandleFunc("POST /api/search", s.handlers.Search)
	api.HandleFunc("POST /api/chat", s.handlers.Chat)
	api.HandleFunc("GET /api/events/{id}", s.handlers.GetEvent)
	api.HandleFunc("DELETE /api/events/{id}", s.handlers.DeleteEvent)
	api.HandleFunc("GET /api/stats", s.handlers.Stats)

	mux.Handle("/api/", requireAuth(api, s.cfg.Security.APIKey))
	mux.HandleFunc("GET /health", s.handlers.Health)
	mux.Handle("GET /ws", s.hub)

	limiter := newRateLimiter(s.cfg.Server.RateLimitPerSec, s.cfg.Server.RateLimitBurst)
	return securityHeaders(rateLimit(mux, limiter))
}

// Start begins listening and returns the bound address, which matters when
// configured with port 0 in tests.
func (s *Server) Start() (string, error) {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: HTTP server stopped: %v", err)
		}
	}()

	boundAddr := listener.Addr().String()
	log.Printf("Recollect API listening on %s", boundAddr)
	return boundAddr, nil
}

// Shutdown drains in-flight requests and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
