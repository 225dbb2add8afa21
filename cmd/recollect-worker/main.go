// Command recollect-worker runs the enrichment worker pool: it drains the
// durable queue, computes summaries and embeddings through the model
// gateway, and persists them.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/recollect/recollect/internal/config"
	"github.com/recollect/recollect/internal/engine"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/notify"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/internal/storage/postgres"
	"github.com/recollect/recollect/internal/storage/sqlite"
)

var recoveryLimit = flag.Int("recovery-limit", 1000, "Maximum stranded events re-queued at startup")

func main() {
	flag.Parse()

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

	ctx := context.Background()

	// Pick up events whose original enqueue was lost.
	if _, err := engine.RequeueStranded(ctx, store, q, *recoveryLimit); err != nil {
		log.Printf("WARNING: Recovery scan failed: %v", err)
	}

	pool := engine.NewWorkerPool(store, q, engine.NewEnricher(gateway), engine.WorkerConfig{
		Workers:           cfg.Queue.Workers,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Queue.PollInterval,
	})

	// Signal each completed enrichment to the API server process.
	writer := notify.NewWriter(cfg.Storage.DataPath)
	pool.OnEnriched(func(eventID string) {
		if err := writer.Notify(notify.TypeEnriched, eventID); err != nil {
			log.Printf("WARNING: Enrichment notify failed for %s: %v", eventID, err)
		}
	})

	pool.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	pool.Stop()
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
