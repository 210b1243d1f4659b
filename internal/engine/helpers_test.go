package engine

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore counts successful conditional puts.
type countingStore struct {
	persistence.RecordStore
	puts atomic.Int64
}

func (s *countingStore) Put(ctx context.Context, rec *api.ExecutionRecord) error {
	if err := s.RecordStore.Put(ctx, rec); err != nil {
		return err
	}
	s.puts.Add(1)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []api.TerminalEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev api.TerminalEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Events() []api.TerminalEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]api.TerminalEvent(nil), n.events...)
}

type scheduledResume struct {
	JobID string
	At    time.Time
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduledResume
}

func (s *recordingScheduler) ScheduleResume(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledResume{JobID: jobID, At: at})
	return nil
}

func (s *recordingScheduler) Last() scheduledResume {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return scheduledResume{}
	}
	return s.calls[len(s.calls)-1]
}

// workerFunc handles one invocation of a named worker in tests.
type workerFunc func(req api.TaskRequest) api.InvocationOutcome

// scriptedInvoker routes by worker name and records every request.
type scriptedInvoker struct {
	mu      sync.Mutex
	workers map[string]workerFunc
	calls   []api.TaskRequest
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{workers: make(map[string]workerFunc)}
}

func (s *scriptedInvoker) Handle(worker string, fn workerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[worker] = fn
}

func (s *scriptedInvoker) Invoke(_ context.Context, req api.TaskRequest, _ time.Duration) api.InvocationOutcome {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn := s.workers[req.Worker]
	s.mu.Unlock()

	if fn == nil {
		return api.Failed(api.FailureWorkerUnavailable, "unknown worker "+req.Worker)
	}
	return fn(req)
}

func (s *scriptedInvoker) Calls(worker string) []api.TaskRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.TaskRequest
	for _, c := range s.calls {
		if c.Worker == worker {
			out = append(out, c)
		}
	}
	return out
}

func succeed(result map[string]any) workerFunc {
	return func(api.TaskRequest) api.InvocationOutcome { return api.Succeeded(result) }
}

func failWith(kind api.FailureKind, detail string) workerFunc {
	return func(api.TaskRequest) api.InvocationOutcome { return api.Failed(kind, detail) }
}

// harness bundles an engine with its test doubles.
type harness struct {
	engine    api.Engine
	store     *countingStore
	clock     *fakeClock
	invoker   *scriptedInvoker
	notifier  *recordingNotifier
	scheduler *recordingScheduler
	metrics   *api.BasicMetrics
}

type persistenceFactory func(t *testing.T) persistence.Persistence

func persistenceFactories() map[string]persistenceFactory {
	return map[string]persistenceFactory{
		"in-memory": func(t *testing.T) persistence.Persistence {
			return persistence.NewInMemoryPersistence()
		},
		"sqlite": func(t *testing.T) persistence.Persistence {
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatalf("sql.Open failed: %v", err)
			}
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })

			p, err := persistence.NewSQLitePersistence(db)
			if err != nil {
				t.Fatalf("NewSQLitePersistence failed: %v", err)
			}
			return p
		},
	}
}

func newHarness(t *testing.T, p persistence.Persistence, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:     &countingStore{RecordStore: p.Records},
		clock:     newFakeClock(),
		invoker:   newScriptedInvoker(),
		notifier:  &recordingNotifier{},
		scheduler: &recordingScheduler{},
		metrics:   &api.BasicMetrics{},
	}
	p.Records = h.store
	cfg := Config{
		Persistence: p,
		Invoker:     h.invoker,
		Notifier:    h.notifier,
		Scheduler:   h.scheduler,
		Observer:    h.metrics,
		Clock:       h.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.engine = NewEngineWithConfig(cfg)
	return h
}

func forEachBackend(t *testing.T, fn func(t *testing.T, p persistence.Persistence)) {
	for name, f := range persistenceFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, f(t))
		})
	}
}

// scenarioDefinition is the document-generation job: generate, notify,
// hold the result for a day, clean up.
func scenarioDefinition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID:                "docgen",
		EntryState:        "Generate",
		ExecutionDeadline: 25 * time.Hour,
		Retention:         30 * 24 * time.Hour,
		States: map[string]api.StateSpec{
			"Generate": {
				Kind:    api.KindTask,
				Worker:  "generate",
				Timeout: 30 * time.Second,
				Retry:   &api.RetryPolicy{MaxAttempts: 1},
				Next:    "NotifySuccess",
				Catch:   map[api.FailureKind]string{api.FailureWorkerError: "NotifyFailure"},
			},
			"NotifySuccess":       {Kind: api.KindTask, Worker: "notify", Timeout: 10 * time.Second, Next: "Wait"},
			"Wait":                {Kind: api.KindWait, Duration: 24 * time.Hour, Next: "Cleanup"},
			"Cleanup":             {Kind: api.KindTerminal, Outcome: api.StatusSucceeded},
			"NotifyFailure":       {Kind: api.KindTask, Worker: "notify", Timeout: 10 * time.Second, Next: "CleanupAfterFailure"},
			"CleanupAfterFailure": {Kind: api.KindTask, Worker: "cleanup", Timeout: 10 * time.Second, Next: "Failed"},
			"Failed":              {Kind: api.KindTerminal, Outcome: api.StatusFailed},
		},
	}
}

// singleTaskDefinition runs one Task then ends.
func singleTaskDefinition(id string, task api.StateSpec) api.WorkflowDefinition {
	task.Kind = api.KindTask
	if task.Worker == "" {
		task.Worker = "work"
	}
	if task.Timeout == 0 {
		task.Timeout = time.Second
	}
	task.Next = "Done"
	return api.WorkflowDefinition{
		ID:                id,
		EntryState:        "Work",
		ExecutionDeadline: time.Hour,
		States: map[string]api.StateSpec{
			"Work":   task,
			"Done":   {Kind: api.KindTerminal, Outcome: api.StatusSucceeded},
			"Failed": {Kind: api.KindTerminal, Outcome: api.StatusFailed},
		},
	}
}

func mustRegister(t *testing.T, e api.Engine, def api.WorkflowDefinition) {
	t.Helper()
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow(%s) failed: %v", def.ID, err)
	}
}

func mustCreate(t *testing.T, e api.Engine, workflowID, jobID string, payload map[string]any) *api.ExecutionRecord {
	t.Helper()
	rec, err := e.CreateExecution(context.Background(), workflowID, jobID, payload)
	if err != nil {
		t.Fatalf("CreateExecution(%s) failed: %v", jobID, err)
	}
	return rec
}

func mustEvaluate(t *testing.T, e api.Engine, jobID string) *api.ExecutionRecord {
	t.Helper()
	rec, err := e.Evaluate(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Evaluate(%s) failed: %v", jobID, err)
	}
	return rec
}

func visitedStates(t *testing.T, e api.Engine, jobID string) []string {
	t.Helper()
	events, err := e.History(context.Background(), jobID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	var out []string
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.To {
			out = append(out, ev.To)
		}
	}
	return out
}
