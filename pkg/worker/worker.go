package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// Worker pulls evaluation tasks from a Queue and hands them to an Engine.
type Worker struct {
	engine api.Engine
	queue  taskqueue.Queue
	logger *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// New creates a new Worker.
func New(engine api.Engine, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		engine: engine,
		queue:  queue,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnqueueEvaluation asks for an immediate evaluation of jobID.
func (w *Worker) EnqueueEvaluation(ctx context.Context, jobID string) error {
	return w.queue.Enqueue(ctx, taskqueue.NewTask(jobID, taskqueue.CauseManual, time.Time{}))
}

// EnqueueEvaluationAt asks for an evaluation of jobID no earlier than at.
func (w *Worker) EnqueueEvaluationAt(ctx context.Context, jobID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.NewTask(jobID, taskqueue.CauseManual, at))
}

// ProcessOne pulls a single task from the queue and evaluates its job.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (usually context cancellation).
//   - processed == true: a task was handled; err reports an evaluation
//     failure other than a held lease or a purged job.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	rec, err := w.engine.Evaluate(ctx, task.JobID)
	switch {
	case err == nil:
		w.logger.DebugContext(ctx, "evaluation_done",
			slog.String("job_id", task.JobID),
			slog.String("cause", string(task.Cause)),
			slog.String("status", string(rec.Status)),
			slog.String("state", rec.CurrentState),
		)
		return true, nil
	case errors.Is(err, api.ErrLeaseHeld):
		// The lease holder keeps evaluating until the job suspends or ends.
		w.logger.DebugContext(ctx, "evaluation_skipped_lease_held", slog.String("job_id", task.JobID))
		return true, nil
	case errors.Is(err, api.ErrExecutionNotFound):
		w.logger.DebugContext(ctx, "evaluation_skipped_missing", slog.String("job_id", task.JobID))
		return true, nil
	default:
		return true, fmt.Errorf("evaluate %s: %w", task.JobID, err)
	}
}

// Run starts concurrency goroutines that call ProcessOne until ctx is
// cancelled. Evaluation errors are logged and do not stop the loop.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if err == nil {
					continue
				}
				if !processed {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.ErrorContext(ctx, "dequeue_failed", slog.String("error", err.Error()))
					if !sleep(ctx, time.Second) {
						return nil
					}
					continue
				}
				w.logger.ErrorContext(ctx, "evaluation_failed", slog.String("error", err.Error()))
			}
		})
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
