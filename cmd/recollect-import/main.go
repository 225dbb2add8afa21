// Command recollect-import bulk-loads a directory of markdown and text files
// into the journal as file events. Enrichment happens asynchronously once a
// worker picks the events up.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/recollect/recollect/internal/config"
	"github.com/recollect/recollect/internal/engine"
	"github.com/recollect/recollect/internal/importer"
	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/internal/storage/postgres"
	"github.com/recollect/recollect/internal/storage/sqlite"
)

var sourceApp = flag.String("source-app", "recollect-import", "source_app label for imported events")

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <directory>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	root := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, q, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	// The gateway is only used by the worker; the importer just stores and
	// enqueues. A nil-free journal still needs one for its search surface,
	// so build it, but no model calls happen during import.
	gateway := llm.NewClient(llm.ClientConfig{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		ChatModel:      cfg.LLM.ChatModel,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Dimension:      cfg.LLM.Dimension,
		Timeout:        cfg.LLM.Timeout,
	})
	journal := engine.NewJournal(store, q, gateway)

	im := importer.New(journal)
	im.SourceApp = *sourceApp

	result, err := im.Run(context.Background(), root)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Printf("Imported %d files (%d skipped, %d failed)\n", result.Imported, result.Skipped, result.Failed)
	if result.Failed > 0 {
		os.Exit(1)
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
