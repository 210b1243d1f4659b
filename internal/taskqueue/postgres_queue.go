package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS evaluation_tasks (
//	    id          TEXT PRIMARY KEY,
//	    payload     BYTEA NOT NULL,
//	    enqueued_at BIGINT NOT NULL,
//	    not_before  BIGINT NOT NULL
//	);
//
// Rows are claimed with FOR UPDATE SKIP LOCKED, so any number of
// processes can dequeue concurrently.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (*PostgresQueue, error) {
	q := &PostgresQueue{pool: pool, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS evaluation_tasks (
			id          TEXT PRIMARY KEY,
			payload     BYTEA NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS evaluation_tasks_not_before ON evaluation_tasks (not_before);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO evaluation_tasks (id, payload, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4)
	`, t.ID, data, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano())
	return err
}

// Dequeue blocks (with polling) until a due task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	return poll(ctx, q.pollInterval, func() (*Task, error) {
		var (
			id      string
			payload []byte
		)
		err := q.pool.QueryRow(ctx, `
			DELETE FROM evaluation_tasks
			WHERE id = (
				SELECT id FROM evaluation_tasks
				WHERE not_before <= $1
				ORDER BY not_before, enqueued_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, payload
		`, time.Now().UnixNano()).Scan(&id, &payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q failed: %w", id, err)
		}
		return task, nil
	})
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM evaluation_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres_queue_len_failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}
