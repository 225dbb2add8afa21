package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recollect/recollect/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS enrichment_queue (
    id BIGSERIAL PRIMARY KEY,
    event_id TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    enqueued_at TIMESTAMPTZ NOT NULL,
    available_at TIMESTAMPTZ NOT NULL,
    lease_token TEXT
);

CREATE INDEX IF NOT EXISTS idx_enrichment_queue_available
    ON enrichment_queue (available_at);

CREATE TABLE IF NOT EXISTS enrichment_dead_letters (
    task_id BIGINT PRIMARY KEY,
    event_id TEXT NOT NULL,
    retries INTEGER NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL,
    failed_at TIMESTAMPTZ NOT NULL,
    reason TEXT
);
`

// PostgresQueue implements Queue on Postgres, sharing the event store's
// connection pool. Concurrent workers are safe: the lease statement claims a
// row with FOR UPDATE SKIP LOCKED so two workers never grab the same task.
type PostgresQueue struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// NewPostgresQueue ensures the queue schema exists on the given database.
func NewPostgresQueue(db *sql.DB, cfg Config) (*PostgresQueue, error) {
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("queue: failed to create postgres schema: %w", err)
	}
	return &PostgresQueue{db: db, cfg: cfg, now: time.Now}, nil
}

func (q *PostgresQueue) Push(ctx context.Context, eventID string) error {
	now := q.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO enrichment_queue (event_id, retries, enqueued_at, available_at)
		VALUES ($1, 0, $2, $3)
	`, eventID, now, now)
	if err != nil {
		return fmt.Errorf("queue: Push %s: %w", eventID, err)
	}
	return nil
}

func (q *PostgresQueue) Lease(ctx context.Context, visibility time.Duration) (*types.EnrichmentTask, error) {
	now := q.now()
	token := uuid.NewString()

	row := q.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET lease_token = $1, available_at = $2
		WHERE id = (
			SELECT id FROM enrichment_queue
			WHERE available_at <= $3
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, retries, enqueued_at
	`, token, now.Add(visibility), now)

	var task types.EnrichmentTask
	err := row.Scan(&task.ID, &task.EventID, &task.Retries, &task.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: Lease: %w", err)
	}

	task.LeaseToken = token
	return &task, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, task *types.EnrichmentTask) error {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE id = $1 AND lease_token = $2
	`, task.ID, task.LeaseToken)
	if err != nil {
		return fmt.Errorf("queue: Ack task %d: %w", task.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: Ack task %d: %w", task.ID, err)
	}
	if affected == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, task *types.EnrichmentTask, reason string) error {
	retries := task.Retries + 1
	if retries >= q.cfg.MaxRetries {
		return q.deadLetter(ctx, task, retries, reason)
	}

	result, err := q.db.ExecContext(ctx, `
		UPDATE enrichment_queue
		SET retries = $1, available_at = $2, lease_token = NULL
		WHERE id = $3 AND lease_token = $4
	`, retries, q.now().Add(backoffDelay(q.cfg, task.Retries)), task.ID, task.LeaseToken)
	if err != nil {
		return fmt.Errorf("queue: Nack task %d: %w", task.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: Nack task %d: %w", task.ID, err)
	}
	if affected == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) deadLetter(ctx context.Context, task *types.EnrichmentTask, retries int, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE id = $1 AND lease_token = $2
	`, task.ID, task.LeaseToken)
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}
	if affected == 0 {
		return ErrLeaseExpired
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enrichment_dead_letters (task_id, event_id, retries, enqueued_at, failed_at, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, task.ID, task.EventID, retries, task.EnqueuedAt, q.now(), reason)
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}

	return tx.Commit()
}

func (q *PostgresQueue) Invalidate(ctx context.Context, eventID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE event_id = $1 AND lease_token IS NULL
	`, eventID)
	if err != nil {
		return fmt.Errorf("queue: Invalidate %s: %w", eventID, err)
	}
	return nil
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, event_id, retries, failed_at, COALESCE(reason, '')
		FROM enrichment_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: DeadLetters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.TaskID, &dl.EventID, &dl.Retries, &dl.FailedAt, &dl.Reason); err != nil {
			return nil, fmt.Errorf("queue: DeadLetters scan: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_queue`).Scan(&stats.Pending); err != nil {
		return Stats{}, fmt.Errorf("queue: Stats: %w", err)
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_dead_letters`).Scan(&stats.DeadLettered); err != nil {
		return Stats{}, fmt.Errorf("queue: Stats: %w", err)
	}
	return stats, nil
}

var _ Queue = (*PostgresQueue)(nil)
