package stepflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/invoker"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/internal/timer"
	"github.com/petrijr/stepflow/pkg/worker"
)

// localSweepSchedule is how often a LocalRunner re-checks for due work.
const localSweepSchedule = "@every 1m"

// LocalRunner bundles an in-memory engine, an in-memory task queue, a timer
// service and a Worker into a single process-local runtime for development
// and tests.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner()
//	runner.Handle("generate-doc", generate)
//	flow.MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//	_, _ = runner.Submit(ctx, flow.ID(), "job-1", input)
//	rec, err := runner.Await(ctx, "job-1")
type LocalRunner struct {
	// Engine is the engine used by this runner.
	Engine Engine

	// Invoker holds the in-process handlers workflows call.
	Invoker *invoker.LocalInvoker

	// Queue carries evaluation tasks from the timer to the Worker.
	Queue taskqueue.Queue

	// Timer turns resume instants into queued tasks.
	Timer *timer.Service

	// Worker processes tasks from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner with in-memory stores and a
// local invoker.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithConfig(EngineConfig{})
}

// NewLocalRunnerWithConfig is like NewLocalRunner but keeps the collaborators
// set in cfg. Persistence defaults to in-memory, Invoker to the runner's
// LocalInvoker, and Scheduler is always the runner's timer.
func NewLocalRunnerWithConfig(cfg EngineConfig) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	tm := timer.NewService(q, timer.WithLogger(cfg.Logger))
	local := invoker.NewLocalInvoker()

	if cfg.Persistence.Records == nil {
		cfg.Persistence = persistence.NewInMemoryPersistence()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = local
	}
	cfg.Scheduler = tm

	eng := engine.NewEngineWithConfig(cfg)
	return &LocalRunner{
		Engine:  eng,
		Invoker: local,
		Queue:   q,
		Timer:   tm,
		Worker:  worker.New(eng, q),
	}
}

// Handle registers an in-process worker.
func (r *LocalRunner) Handle(name string, fn HandlerFunc) {
	r.Invoker.Handle(name, fn)
}

// StartWorkers starts 'concurrency' worker goroutines and the periodic
// sweep. They run until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := r.Timer.Start(ctx, localSweepSchedule, r.Engine); err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Worker.Run(ctx, concurrency)
	}()
	return nil
}

// Stop cancels the workers and the sweep and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.Timer.Stop()
	r.wg.Wait()
}

// Submit creates an execution; the workers pick it up.
func (r *LocalRunner) Submit(ctx context.Context, workflowID, jobID string, payload map[string]any) (*ExecutionRecord, error) {
	return r.Engine.CreateExecution(ctx, workflowID, jobID, payload)
}

// Await polls until jobID is terminal or ctx is done.
func (r *LocalRunner) Await(ctx context.Context, jobID string) (*ExecutionRecord, error) {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		rec, err := r.Engine.GetExecution(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-tick.C:
		}
	}
}
