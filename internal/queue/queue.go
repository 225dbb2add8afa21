// Package queue provides the durable, at-least-once enrichment work queue.
// Tasks are event ids with retry bookkeeping; they live in the same database
// as the events they reference, so the ingestion write and the enqueue share
// one durability domain. A leased task that is never acked becomes visible
// again after its visibility timeout, and after the retry limit it moves to
// a dead-letter table instead of being retried forever.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/recollect/recollect/pkg/types"
)

var (
	// ErrLeaseExpired indicates an ack or nack presented a lease token
	// that no longer holds the task: the visibility timeout elapsed and
	// the task was re-leased (or completed) elsewhere. The caller's work
	// may have been duplicated, which idempotent enrichment absorbs.
	ErrLeaseExpired = errors.New("task lease expired")
)

// Config tunes retry and backoff behavior. The backoff curve is
// configuration, not algorithm: delay = BackoffBase * 2^retries, capped at
// BackoffMax.
type Config struct {
	// MaxRetries is the delivery attempt limit before dead-lettering.
	MaxRetries int

	// BackoffBase is the redelivery delay after the first nack.
	BackoffBase time.Duration

	// BackoffMax caps the redelivery delay.
	BackoffMax time.Duration
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BackoffBase: 30 * time.Second,
		BackoffMax:  10 * time.Minute,
	}
}

// DeadLetter is a task that exhausted its retries.
type DeadLetter struct {
	TaskID   int64
	EventID  string
	Retries  int
	FailedAt time.Time
	Reason   string
}

// Stats describes queue depth for observability.
type Stats struct {
	// Pending counts tasks currently available or leased.
	Pending int
	// DeadLettered counts tasks moved to the dead-letter table.
	DeadLettered int
}

// Queue is the durable at-least-once enrichment work queue.
type Queue interface {
	// Push enqueues enrichment work for an event. Pushing the same event
	// id more than once is harmless: workers converge by idempotence.
	Push(ctx context.Context, eventID string) error

	// Lease claims the next available task, making it invisible to other
	// workers for the visibility duration. Returns (nil, nil) when the
	// queue is empty. Two concurrent leases never return the same task
	// within one visibility window.
	Lease(ctx context.Context, visibility time.Duration) (*types.EnrichmentTask, error)

	// Ack removes a completed task. Returns ErrLeaseExpired when the
	// lease is no longer held.
	Ack(ctx context.Context, task *types.EnrichmentTask) error

	// Nack returns a failed task to the queue after a backoff, with its
	// retry count incremented; once the retry count reaches
	// Config.MaxRetries the task moves to the dead-letter table instead.
	// Returns ErrLeaseExpired when the lease is no longer held.
	Nack(ctx context.Context, task *types.EnrichmentTask, reason string) error

	// Invalidate removes any pending tasks for an event, best effort.
	// Called on event deletion; a task already leased is left to the
	// worker, whose existence check makes it a no-op.
	Invalidate(ctx context.Context, eventID string) error

	// DeadLetters lists permanently failed tasks, most recent first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Stats reports queue depth.
	Stats(ctx context.Context) (Stats, error)
}

// backoffDelay computes the redelivery delay for a task that has now failed
// retries+1 times.
func backoffDelay(cfg Config, retries int) time.Duration {
	delay := cfg.BackoffBase
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= cfg.BackoffMax || delay <= 0 {
			return cfg.BackoffMax
		}
	}
	if delay > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return delay
}
