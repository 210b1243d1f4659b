package api

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	created     int
	transitions int
	invoked     int
	finished    int
	conflicts   int

	lastFrom     string
	lastOutcome  InvocationOutcome
	lastDuration time.Duration
	lastFinished *ExecutionRecord
}

func (o *testObserver) OnExecutionCreated(ctx context.Context, rec *ExecutionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *testObserver) OnTransition(ctx context.Context, rec *ExecutionRecord, from string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions++
	o.lastFrom = from
}

func (o *testObserver) OnTaskInvoked(ctx context.Context, rec *ExecutionRecord, out InvocationOutcome, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invoked++
	o.lastOutcome = out
	o.lastDuration = d
}

func (o *testObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
	o.lastFinished = rec
}

func (o *testObserver) OnConflict(ctx context.Context, jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts++
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Copy to avoid reuse issues.
	cpy := slog.Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		cpy.AddAttrs(a)
		return true
	})
	h.records = append(h.records, cpy)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestRecord() *ExecutionRecord {
	return &ExecutionRecord{
		JobID:        "job-123",
		WorkflowID:   "wf-test",
		CurrentState: "Generate",
		Status:       StatusRunning,
		Version:      1,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord()
	var o Observer = NoopObserver{}

	o.OnExecutionCreated(ctx, rec)
	o.OnTransition(ctx, rec, "Start")
	o.OnTaskInvoked(ctx, rec, Succeeded(nil), time.Second)
	o.OnExecutionFinished(ctx, rec)
	o.OnConflict(ctx, rec.JobID)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil) // include a nil to ensure it is filtered

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	out := Failed(FailureWorkerError, "boom")
	co.OnExecutionCreated(ctx, rec)
	co.OnTransition(ctx, rec, "Start")
	co.OnTaskInvoked(ctx, rec, out, 2*time.Second)
	co.OnExecutionFinished(ctx, rec)
	co.OnConflict(ctx, rec.JobID)

	for i, o := range []*testObserver{o1, o2} {
		if o.created != 1 || o.transitions != 1 || o.invoked != 1 || o.finished != 1 || o.conflicts != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastFrom != "Start" {
			t.Fatalf("observer %d from mismatch: %q", i+1, o.lastFrom)
		}
		if o.lastOutcome.Failure == nil || o.lastOutcome.Failure.Kind != FailureWorkerError || o.lastDuration != 2*time.Second {
			t.Fatalf("observer %d outcome mismatch: %+v %v", i+1, o.lastOutcome, o.lastDuration)
		}
		if o.lastFinished != rec {
			t.Fatalf("observer %d record mismatch", i+1)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnExecutionCreated_EmitsInfoLog(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	rec := newTestRecord()

	o.OnExecutionCreated(context.Background(), rec)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	lr := h.records[0]
	if lr.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", lr.Level)
	}
	if lr.Message != "execution_created" {
		t.Fatalf("expected message execution_created, got %q", lr.Message)
	}
	attrs := attrsToMap(lr)
	if attrs["workflow"] != rec.WorkflowID {
		t.Fatalf("expected workflow=%q, got %v", rec.WorkflowID, attrs["workflow"])
	}
	if attrs["job_id"] != rec.JobID {
		t.Fatalf("expected job_id=%q, got %v", rec.JobID, attrs["job_id"])
	}
}

func TestLoggingObserver_OnTaskInvoked_LevelDependsOnOutcome(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	rec := newTestRecord()

	o.OnTaskInvoked(context.Background(), rec, Succeeded(map[string]any{"ok": true}), time.Second)
	o.OnTaskInvoked(context.Background(), rec, Failed(FailureTimeout, "slow"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug || h.records[0].Message != "task_invoked" {
		t.Fatalf("unexpected success record: %v %q", h.records[0].Level, h.records[0].Message)
	}
	if h.records[1].Level != slog.LevelWarn || h.records[1].Message != "task_failed" {
		t.Fatalf("unexpected failure record: %v %q", h.records[1].Level, h.records[1].Message)
	}
	if attrs := attrsToMap(h.records[1]); attrs["kind"] != string(FailureTimeout) {
		t.Fatalf("expected kind=Timeout, got %v", attrs["kind"])
	}
}

func TestLoggingObserver_OnExecutionFinished_ErrorForFailures(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	ok := newTestRecord()
	ok.Status = StatusSucceeded
	bad := newTestRecord()
	bad.Status = StatusFailed
	bad.Reason = &Reason{Kind: FailureDeadlineExceeded, State: "Wait"}

	o.OnExecutionFinished(context.Background(), ok)
	o.OnExecutionFinished(context.Background(), bad)

	if h.records[0].Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo for success, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected LevelError for failure, got %v", h.records[1].Level)
	}
	if attrs := attrsToMap(h.records[1]); attrs["reason"] != "DeadlineExceeded in Wait" {
		t.Fatalf("unexpected reason attr: %v", attrs["reason"])
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_ExecutionCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.OnExecutionCreated(ctx, newTestRecord())
	}
	succeeded := newTestRecord()
	succeeded.Status = StatusSucceeded
	failed := newTestRecord()
	failed.Status = StatusFailed
	aborted := newTestRecord()
	aborted.Status = StatusAborted

	m.OnExecutionFinished(ctx, succeeded)
	m.OnExecutionFinished(ctx, failed)
	m.OnExecutionFinished(ctx, aborted)
	m.OnConflict(ctx, "job-123")

	snap := m.Snapshot()
	if snap.ExecutionsCreated != 4 {
		t.Fatalf("ExecutionsCreated=%d, want 4", snap.ExecutionsCreated)
	}
	if snap.ExecutionsSucceeded != 1 || snap.ExecutionsFailed != 1 || snap.ExecutionsAborted != 1 {
		t.Fatalf("unexpected terminal counters: %+v", snap)
	}
	if snap.ActiveExecutions != 1 {
		t.Fatalf("ActiveExecutions=%d, want 1", snap.ActiveExecutions)
	}
	if snap.Conflicts != 1 {
		t.Fatalf("Conflicts=%d, want 1", snap.Conflicts)
	}
}

func TestBasicMetrics_TaskDurations(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	rec := newTestRecord()

	m.OnTaskInvoked(ctx, rec, Succeeded(nil), 1*time.Second)
	m.OnTaskInvoked(ctx, rec, Failed(FailureWorkerError, "x"), 3*time.Second)

	snap := m.Snapshot()
	if snap.TasksInvoked != 2 || snap.TasksFailed != 1 {
		t.Fatalf("unexpected task counters: %+v", snap)
	}
	if snap.AvgTaskDuration != 2*time.Second {
		t.Fatalf("AvgTaskDuration=%v, want 2s", snap.AvgTaskDuration)
	}
}

func TestBasicMetrics_SnapshotZeroTasksHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	if snap := m.Snapshot(); snap.AvgTaskDuration != 0 {
		t.Fatalf("AvgTaskDuration=%v, want 0", snap.AvgTaskDuration)
	}
}
