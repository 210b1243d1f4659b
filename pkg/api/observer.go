package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay evaluation.
type Observer interface {
	// OnExecutionCreated is called once when a new record is stored.
	OnExecutionCreated(ctx context.Context, rec *ExecutionRecord)

	// OnTransition is called after every persisted transition. rec is the
	// stored record; from is the state it left.
	OnTransition(ctx context.Context, rec *ExecutionRecord, from string)

	// OnTaskInvoked is called after an invoker returns, whether or not the
	// outcome is later discarded.
	OnTaskInvoked(ctx context.Context, rec *ExecutionRecord, out InvocationOutcome, d time.Duration)

	// OnExecutionFinished is called once when a record reaches a terminal
	// status.
	OnExecutionFinished(ctx context.Context, rec *ExecutionRecord)

	// OnConflict is called when a conditional write lost a race and the
	// engine reloads.
	OnConflict(ctx context.Context, jobID string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionCreated(context.Context, *ExecutionRecord)           {}
func (NoopObserver) OnTransition(context.Context, *ExecutionRecord, string)         {}
func (NoopObserver) OnExecutionFinished(context.Context, *ExecutionRecord)          {}
func (NoopObserver) OnConflict(context.Context, string)                            {}
func (NoopObserver) OnTaskInvoked(context.Context, *ExecutionRecord, InvocationOutcome, time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionCreated(ctx context.Context, rec *ExecutionRecord) {
	for _, o := range c.observers {
		o.OnExecutionCreated(ctx, rec)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, rec *ExecutionRecord, from string) {
	for _, o := range c.observers {
		o.OnTransition(ctx, rec, from)
	}
}

func (c *CompositeObserver) OnTaskInvoked(ctx context.Context, rec *ExecutionRecord, out InvocationOutcome, d time.Duration) {
	for _, o := range c.observers {
		o.OnTaskInvoked(ctx, rec, out, d)
	}
}

func (c *CompositeObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	for _, o := range c.observers {
		o.OnExecutionFinished(ctx, rec)
	}
}

func (c *CompositeObserver) OnConflict(ctx context.Context, jobID string) {
	for _, o := range c.observers {
		o.OnConflict(ctx, jobID)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionCreated(ctx context.Context, rec *ExecutionRecord) {
	o.Logger.InfoContext(ctx, "execution_created",
		slog.String("workflow", rec.WorkflowID),
		slog.String("job_id", rec.JobID),
		slog.Time("deadline_at", rec.DeadlineAt),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, rec *ExecutionRecord, from string) {
	o.Logger.DebugContext(ctx, "state_transition",
		slog.String("workflow", rec.WorkflowID),
		slog.String("job_id", rec.JobID),
		slog.String("from", from),
		slog.String("to", rec.CurrentState),
		slog.String("status", string(rec.Status)),
		slog.Int64("version", rec.Version),
	)
}

func (o *LoggingObserver) OnTaskInvoked(ctx context.Context, rec *ExecutionRecord, out InvocationOutcome, d time.Duration) {
	if out.OK() {
		o.Logger.DebugContext(ctx, "task_invoked",
			slog.String("job_id", rec.JobID),
			slog.String("state", rec.CurrentState),
			slog.Int("attempt", rec.Attempt),
			slog.Duration("duration", d),
		)
		return
	}
	o.Logger.WarnContext(ctx, "task_failed",
		slog.String("job_id", rec.JobID),
		slog.String("state", rec.CurrentState),
		slog.Int("attempt", rec.Attempt),
		slog.Duration("duration", d),
		slog.String("kind", string(out.Failure.Kind)),
		slog.String("detail", out.Failure.Detail),
	)
}

func (o *LoggingObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	level := slog.LevelInfo
	if rec.Status != StatusSucceeded {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_finished",
		slog.String("workflow", rec.WorkflowID),
		slog.String("job_id", rec.JobID),
		slog.String("status", string(rec.Status)),
		slog.String("state", rec.CurrentState),
		slog.String("reason", rec.Reason.String()),
	)
}

func (o *LoggingObserver) OnConflict(ctx context.Context, jobID string) {
	o.Logger.DebugContext(ctx, "version_conflict", slog.String("job_id", jobID))
}

// BasicMetrics collects simple counters and aggregate task durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsCreated   atomic.Int64
	executionsSucceeded atomic.Int64
	executionsFailed    atomic.Int64
	executionsAborted   atomic.Int64
	transitions         atomic.Int64
	conflicts           atomic.Int64
	tasksInvoked        atomic.Int64
	tasksFailed         atomic.Int64
	totalTaskDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsCreated   int64
	ExecutionsSucceeded int64
	ExecutionsFailed    int64
	ExecutionsAborted   int64
	ActiveExecutions    int64

	Transitions int64
	Conflicts   int64

	TasksInvoked    int64
	TasksFailed     int64
	AvgTaskDuration time.Duration
}

func (m *BasicMetrics) OnExecutionCreated(context.Context, *ExecutionRecord) {
	m.executionsCreated.Add(1)
}

func (m *BasicMetrics) OnTransition(context.Context, *ExecutionRecord, string) {
	m.transitions.Add(1)
}

func (m *BasicMetrics) OnTaskInvoked(_ context.Context, _ *ExecutionRecord, out InvocationOutcome, d time.Duration) {
	m.tasksInvoked.Add(1)
	m.totalTaskDuration.Add(d.Nanoseconds())
	if !out.OK() {
		m.tasksFailed.Add(1)
	}
}

func (m *BasicMetrics) OnExecutionFinished(_ context.Context, rec *ExecutionRecord) {
	switch rec.Status {
	case StatusSucceeded:
		m.executionsSucceeded.Add(1)
	case StatusAborted:
		m.executionsAborted.Add(1)
	default:
		m.executionsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnConflict(context.Context, string) {
	m.conflicts.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	created := m.executionsCreated.Load()
	succeeded := m.executionsSucceeded.Load()
	failed := m.executionsFailed.Load()
	aborted := m.executionsAborted.Load()
	tasks := m.tasksInvoked.Load()
	totalNs := m.totalTaskDuration.Load()

	var avg time.Duration
	if tasks > 0 {
		avg = time.Duration(totalNs / tasks)
	}

	return BasicMetricsSnapshot{
		ExecutionsCreated:   created,
		ExecutionsSucceeded: succeeded,
		ExecutionsFailed:    failed,
		ExecutionsAborted:   aborted,
		ActiveExecutions:    created - succeeded - failed - aborted,
		Transitions:         m.transitions.Load(),
		Conflicts:           m.conflicts.Load(),
		TasksInvoked:        tasks,
		TasksFailed:         m.tasksFailed.Load(),
		AvgTaskDuration:     avg,
	}
}
