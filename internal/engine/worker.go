package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/recollect/recollect/internal/llm"
	"github.com/recollect/recollect/internal/queue"
	"github.com/recollect/recollect/internal/storage"
	"github.com/recollect/recollect/pkg/types"
)

// WorkerConfig tunes the enrichment worker pool.
type WorkerConfig struct {
	// Workers is the number of concurrent worker goroutines.
	Workers int

	// VisibilityTimeout is the lease duration requested per task. It must
	// comfortably exceed the slowest expected enrichment, or a slow worker
	// races its own redelivery.
	VisibilityTimeout time.Duration

	// PollInterval is how long an idle worker sleeps when the queue is empty.
	PollInterval time.Duration
}

// Normalize applies defaults to zero-valued fields.
func (c *WorkerConfig) Normalize() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// WorkerPool drains the enrichment queue: each worker leases a task, enriches
// the event through the gateway, persists the result, and acks. The pipeline
// is at-least-once end to end; the store's write-if-absent enrichment update
// is what makes duplicate deliveries converge to a single result.
type WorkerPool struct {
	store    storage.EventStore
	queue    queue.Queue
	enricher *Enricher
	cfg      WorkerConfig

	// onEnriched, when set, is called after each successful enrichment,
	// outside any lock. Used for the activity feed.
	onEnriched func(eventID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a stopped worker pool.
func NewWorkerPool(store storage.EventStore, q queue.Queue, enricher *Enricher, cfg WorkerConfig) *WorkerPool {
	cfg.Normalize()
	return &WorkerPool{
		store:    store,
		queue:    q,
		enricher: enricher,
		cfg:      cfg,
	}
}

// OnEnriched registers a completion callback. Must be called before Start.
func (p *WorkerPool) OnEnriched(fn func(eventID string)) {
	p.onEnriched = fn
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Printf("Started %d enrichment workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight tasks to finish. A task
// interrupted mid-enrichment is neither acked nor nacked; its lease simply
// expires and it is redelivered.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Println("All enrichment workers stopped")
}

func (p *WorkerPool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()

	log.Printf("Enrichment worker %d started", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Enrichment worker %d stopped", workerID)
			return
		default:
		}

		task, err := p.queue.Lease(ctx, p.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("Enrichment worker %d stopped", workerID)
				return
			}
			log.Printf("ERROR: Worker %d lease failed: %v", workerID, err)
			p.sleep(ctx)
			continue
		}
		if task == nil {
			p.sleep(ctx)
			continue
		}

		p.process(ctx, workerID, task)
	}
}

func (p *WorkerPool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

// process handles one leased task through to ack or nack.
func (p *WorkerPool) process(ctx context.Context, workerID int, task *types.EnrichmentTask) {
	log.Printf("Worker %d processing event %s (attempt %d)", workerID, task.EventID, task.Retries+1)

	// Background context for queue and store bookkeeping so a shutdown
	// mid-task still records the outcome.
	dbCtx := context.Background()

	event, err := p.store.Get(ctx, task.EventID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted between enqueue and lease. Nothing to enrich.
		log.Printf("Worker %d: event %s no longer exists, dropping task", workerID, task.EventID)
		p.ack(dbCtx, workerID, task)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("ERROR: Worker %d failed to load event %s: %v", workerID, task.EventID, err)
		p.nack(dbCtx, workerID, task, "store read failed: "+err.Error())
		return
	}

	if strings.TrimSpace(event.Content) == "" {
		log.Printf("Worker %d: event %s has empty content, dropping task", workerID, task.EventID)
		p.ack(dbCtx, workerID, task)
		return
	}

	if event.Enriched() {
		// Duplicate delivery of already-finished work.
		p.ack(dbCtx, workerID, task)
		return
	}

	summary, embedding, err := p.enricher.ComputeMissing(ctx, event)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown or cancellation: leave the lease to expire.
			return
		}
		if errors.Is(err, llm.ErrModelRejected) {
			// Permanent: retrying the same input cannot succeed.
			log.Printf("ERROR: Worker %d: model rejected event %s: %v", workerID, task.EventID, err)
			p.ack(dbCtx, workerID, task)
			return
		}
		log.Printf("Worker %d: transient enrichment failure for event %s: %v", workerID, task.EventID, err)
		p.nack(dbCtx, workerID, task, err.Error())
		return
	}

	if err := p.store.UpdateEnrichment(dbCtx, event.ID, summary, embedding); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while we were enriching. The conditional update
			// refused to resurrect the row; drop the task.
			log.Printf("Worker %d: event %s deleted during enrichment, dropping task", workerID, task.EventID)
			p.ack(dbCtx, workerID, task)
			return
		}
		log.Printf("ERROR: Worker %d failed to persist enrichment for %s: %v", workerID, task.EventID, err)
		p.nack(dbCtx, workerID, task, "enrichment write failed: "+err.Error())
		return
	}

	p.ack(dbCtx, workerID, task)
	log.Printf("Worker %d completed enrichment for event %s", workerID, task.EventID)

	if p.onEnriched != nil {
		p.onEnriched(event.ID)
	}
}

func (p *WorkerPool) ack(ctx context.Context, workerID int, task *types.EnrichmentTask) {
	if err := p.queue.Ack(ctx, task); err != nil {
		// An expired lease means the task was redelivered; the idempotent
		// enrichment write makes the duplicate harmless.
		log.Printf("WARNING: Worker %d ack failed for task %d: %v", workerID, task.ID, err)
	}
}

func (p *WorkerPool) nack(ctx context.Context, workerID int, task *types.EnrichmentTask, reason string) {
	if err := p.queue.Nack(ctx, task, reason); err != nil {
		log.Printf("WARNING: Worker %d nack failed for task %d: %v", workerID, task.ID, err)
	}
}

// RequeueStranded pushes enrichment tasks for stored events that are still
// missing a summary or embedding. Run at worker startup, it recovers events
// whose original push was lost. Duplicate pushes for events already queued
// converge through the idempotent enrichment write.
func RequeueStranded(ctx context.Context, store storage.EventStore, q queue.Queue, limit int) (int, error) {
	ids, err := store.ListUnenriched(ctx, limit)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		if err := q.Push(ctx, id); err != nil {
			log.Printf("ERROR: Recovery requeue failed for event %s: %v", id, err)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		log.Printf("Recovery requeued %d unenriched events", requeued)
	}
	return requeued, nil
}
