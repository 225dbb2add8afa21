// Command recollect-server runs the Recollect HTTP API: event ingestion,
// semantic search, grounded chat, and the live activity feed.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/recollect/recollect/internal/config"
	"github.com/recollect/recollect/internal/content"
	"github.com/recollect/recollect/internal/engine"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/notify"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/server"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/internal/storage/postgres"
	"github.com/recollect/recollect/internal/storage/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, q, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	gateway := llm.NewClient(llm.ClientConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Dimension:      cfg.LLM.Dimension,
		Timeout:        cfg.LLM.Timeout,
		RequestsPerSec: cfg.LLM.RequestsPerSec,
	})

	journal := engine.NewJournal(store, q, gateway).WithFetcher(content.NewFetcher())

	srv := server.New(cfg, journal)
	addr, err := srv.Start()
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Recollect server ready at http://%s", addr)

	// The worker process signals enrichment completion through event files;
	// relay them to websocket clients.
	watcher := notify.NewWatcher(cfg.Storage.DataPath, func(eventType, eventID string) {
		srv.Hub().Broadcast(map[string]string{"type": eventType, "event_id": eventID})
	})
	if err := watcher.Start(); err != nil {
		log.Printf("WARNING: Enrichment notify watcher disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("ERROR: Shutdown failed: %v", err)
	}
}

// openBackends opens the configured storage engine and its co-located queue.
func openBackends(cfg *config.Config) (storage.EventStore, queue.Queue, error) {
	queueCfg := queue.Config{
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffMax:  cfg.Queue.BackoffMax,
	}

	if cfg.Storage.Engine == "postgres" {
		store, err := postgres.NewEventStore(cfg.Storage.PostgresDSN, cfg.LLM.Dimension)
		if err != nil {
			return nil, nil, err
		}
		q, err := queue.NewPostgresQueue(store.DB(), queueCfg)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, q, nil
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := sqlite.NewEventStore(filepath.Join(cfg.Storage.DataPath, "recollect.db"), cfg.LLM.Dimension)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.NewSQLiteQueue(store.DB(), queueCfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, q, nil
}
