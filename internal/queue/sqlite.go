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

// sqliteSchema holds the queue tables for the SQLite backend. Timestamps are
// stored as Unix milliseconds so availability comparisons are plain integer
// comparisons regardless of driver time formatting.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS enrichment_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    retries INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL,
    available_at INTEGER NOT NULL,
    lease_token TEXT
);

CREATE INDEX IF NOT EXISTS idx_enrichment_queue_available
    ON enrichment_queue (available_at);

CREATE TABLE IF NOT EXISTS enrichment_dead_letters (
    task_id INTEGER PRIMARY KEY,
    event_id TEXT NOT NULL,
    retries INTEGER NOT NULL,
    enqueued_at INTEGER NOT NULL,
    failed_at INTEGER NOT NULL,
    reason TEXT
);
`

// SQLiteQueue implements Queue on a SQLite database, typically the same file
// as the event store.
type SQLiteQueue struct {
	db  *sql.DB
	cfg Config

	// now is swappable in tests to step through visibility timeouts.
	now func() time.Time
}

// NewSQLiteQueue ensures the queue schema exists on the given database.
func NewSQLiteQueue(db *sql.DB, cfg Config) (*SQLiteQueue, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("queue: failed to create sqlite schema: %w", err)
	}
	return &SQLiteQueue{db: db, cfg: cfg, now: time.Now}, nil
}

// Push enqueues enrichment work for an event.
func (q *SQLiteQueue) Push(ctx context.Context, eventID string) error {
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO enrichment_queue (event_id, retries, enqueued_at, available_at)
		VALUES (?, 0, ?, ?)
	`, eventID, now, now)
	if err != nil {
		return fmt.Errorf("queue: Push %s: %w", eventID, err)
	}
	return nil
}

// Lease claims the oldest available task. SQLite's single-writer model makes
// the claim UPDATE atomic; RETURNING hands back the claimed row in the same
// statement so no second lookup can race.
func (q *SQLiteQueue) Lease(ctx context.Context, visibility time.Duration) (*types.EnrichmentTask, error) {
	now := q.now()
	token := uuid.NewString()

	row := q.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET lease_token = ?, available_at = ?
		WHERE id = (
			SELECT id FROM enrichment_queue
			WHERE available_at <= ?
			ORDER BY id
			LIMIT 1
		)
		RETURNING id, event_id, retries, enqueued_at
	`, token, now.Add(visibility).UnixMilli(), now.UnixMilli())

	var (
		task       types.EnrichmentTask
		enqueuedAt int64
	)
	err := row.Scan(&task.ID, &task.EventID, &task.Retries, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: Lease: %w", err)
	}

	task.EnqueuedAt = time.UnixMilli(enqueuedAt)
	task.LeaseToken = token
	return &task, nil
}

// Ack deletes a completed task, provided the lease is still held.
func (q *SQLiteQueue) Ack(ctx context.Context, task *types.EnrichmentTask) error {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE id = ? AND lease_token = ?
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

// Nack returns a failed task to the queue after a backoff, or moves it to
// the dead-letter table once the retry limit is reached.
func (q *SQLiteQueue) Nack(ctx context.Context, task *types.EnrichmentTask, reason string) error {
	retries := task.Retries + 1
	if retries >= q.cfg.MaxRetries {
		return q.deadLetter(ctx, task, retries, reason)
	}

	availableAt := q.now().Add(backoffDelay(q.cfg, task.Retries)).UnixMilli()
	result, err := q.db.ExecContext(ctx, `
		UPDATE enrichment_queue
		SET retries = ?, available_at = ?, lease_token = NULL
		WHERE id = ? AND lease_token = ?
	`, retries, availableAt, task.ID, task.LeaseToken)
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

// deadLetter moves a task out of the live queue permanently.
func (q *SQLiteQueue) deadLetter(ctx context.Context, task *types.EnrichmentTask, retries int, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE id = ? AND lease_token = ?
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
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.ID, task.EventID, retries, task.EnqueuedAt.UnixMilli(), q.now().UnixMilli(), reason)
	if err != nil {
		return fmt.Errorf("queue: dead-letter task %d: %w", task.ID, err)
	}

	return tx.Commit()
}

// Invalidate removes pending (unleased) tasks for an event, best effort.
func (q *SQLiteQueue) Invalidate(ctx context.Context, eventID string) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM enrichment_queue WHERE event_id = ? AND lease_token IS NULL
	`, eventID)
	if err != nil {
		return fmt.Errorf("queue: Invalidate %s: %w", eventID, err)
	}
	return nil
}

// DeadLetters lists permanently failed tasks, most recent first.
func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT task_id, event_id, retries, failed_at, COALESCE(reason, '')
		FROM enrichment_dead_letters
		ORDER BY failed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: DeadLetters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			failedAt int64
		)
		if err := rows.Scan(&dl.TaskID, &dl.EventID, &dl.Retries, &failedAt, &dl.Reason); err != nil {
			return nil, fmt.Errorf("queue: DeadLetters scan: %w", err)
		}
		dl.FailedAt = time.UnixMilli(failedAt)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// Stats reports queue depth.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_queue`).Scan(&stats.Pending); err != nil {
		return Stats{}, fmt.Errorf("queue: Stats: %w", err)
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM enrichment_dead_letters`).Scan(&stats.DeadLettered); err != nil {
		return Stats{}, fmt.Errorf("queue: Stats: %w", err)
	}
	return stats, nil
}

// Compile-time assertion.
var _ Queue = (*SQLiteQueue)(nil)
