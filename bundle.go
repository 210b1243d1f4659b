package stepflow

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/internal/timer"
	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, the timer
// service and a Worker that consumes tasks from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
	Timer  *timer.Service

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Execution records, history, leases and queued
// evaluations are all persisted in db.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepflow.NewSQLiteBundle(db, EngineConfig{Invoker: inv})
//	// register workflows on bundle.Engine
//	go bundle.Run(ctx, 4, "@every 1m")
func NewSQLiteBundle(db *sql.DB, cfg EngineConfig) (*WorkerBundle, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = p
	return newBundle(q, cfg), nil
}

func newBundle(q taskqueue.Queue, cfg EngineConfig) *WorkerBundle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tm := timer.NewService(q, timer.WithLogger(logger))
	cfg.Scheduler = tm

	eng := engine.NewEngineWithConfig(cfg)
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, q, workerpkg.WithLogger(logger)),
		Timer:  tm,
		queue:  q,
	}
}

// Pending returns the number of queued evaluations.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// Run starts the sweep on schedule and concurrency workers, and blocks
// until ctx is cancelled.
func (b *WorkerBundle) Run(ctx context.Context, concurrency int, schedule string) error {
	if err := b.Timer.Start(ctx, schedule, b.Engine); err != nil {
		return err
	}
	defer b.Timer.Stop()

	return b.Worker.Run(ctx, concurrency)
}
