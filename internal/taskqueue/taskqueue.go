package taskqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Cause records why an evaluation was enqueued. It is informational only;
// every task is handled the same way: load the record and evaluate it.
type Cause string

const (
	// CauseContinue asks for an evaluation as soon as possible.
	CauseContinue Cause = "continue"
	// CauseResume is a delayed evaluation for a wait, retry backoff or deadline.
	CauseResume Cause = "resume"
	// CauseSweep comes from the periodic recovery sweep.
	CauseSweep Cause = "sweep"
	// CauseManual is an operator request.
	CauseManual Cause = "manual"
)

// Task asks a worker to evaluate one execution.
type Task struct {
	ID    string
	JobID string
	Cause Cause

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time
}

// NewTask builds an evaluation task with a fresh ID.
func NewTask(jobID string, cause Cause, notBefore time.Time) Task {
	return Task{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Cause:     cause,
		NotBefore: notBefore,
	}
}

// Queue is a delay-aware async task queue. Duplicate tasks for the same job
// are allowed; evaluation is idempotent.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next task whose NotBefore has passed,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}

func stamp(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
}

// poll calls take until it yields a task, sleeping interval between empty
// attempts. A reusable timer avoids allocating one per idle poll.
func poll(ctx context.Context, interval time.Duration, take func() (*Task, error)) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		t, err := take()
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}

		tmr.Reset(interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}
