// Package timer turns persisted resume instants into queued evaluations.
//
// The Service holds no timers of its own. ScheduleResume puts a delayed
// task on the queue, and Sweep re-derives every due execution from the
// record store, so a lost queue or a restarted process only delays work
// until the next sweep.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/stepflow/internal/taskqueue"
	"github.com/petrijr/stepflow/pkg/api"
)

// DefaultSweepSchedule runs the recovery sweep at the top of every hour.
const DefaultSweepSchedule = "@hourly"

// Source is the part of the engine the sweep reads from.
type Source interface {
	DueExecutions(ctx context.Context) ([]string, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Enqueued int
	Purged   int
}

// Service implements api.Scheduler on top of a task queue.
type Service struct {
	queue  taskqueue.Queue
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Ensure Service implements api.Scheduler.
var _ api.Scheduler = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the clock used to pick a task cause.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service that enqueues onto q.
func NewService(q taskqueue.Queue, opts ...Option) *Service {
	s := &Service{queue: q, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "timer")
	return s
}

// ScheduleResume enqueues an evaluation of jobID that becomes visible at at.
func (s *Service) ScheduleResume(ctx context.Context, jobID string, at time.Time) error {
	cause := taskqueue.CauseResume
	if !at.After(s.now()) {
		cause = taskqueue.CauseContinue
	}
	if err := s.queue.Enqueue(ctx, taskqueue.NewTask(jobID, cause, at)); err != nil {
		return fmt.Errorf("enqueue evaluation of %s: %w", jobID, err)
	}
	return nil
}

// Sweep enqueues an immediate evaluation for every due execution, then
// purges expired terminal records. Duplicate enqueues are harmless.
func (s *Service) Sweep(ctx context.Context, src Source) (SweepResult, error) {
	var res SweepResult

	ids, err := src.DueExecutions(ctx)
	if err != nil {
		return res, fmt.Errorf("list due executions: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, taskqueue.NewTask(id, taskqueue.CauseSweep, time.Time{})); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", id, err))
			continue
		}
		res.Enqueued++
	}

	purged, err := src.PurgeExpired(ctx)
	res.Purged = purged
	if err != nil {
		errs = append(errs, fmt.Errorf("purge expired: %w", err))
	}

	s.logger.InfoContext(ctx, "sweep_finished",
		slog.Int("due", len(ids)),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("purged", res.Purged),
	)
	return res, errors.Join(errs...)
}

// Start runs one sweep immediately and then on spec (standard cron syntax
// or descriptors such as "@hourly") until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context, spec string, src Source) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("timer service already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))
	run := func() {
		if _, err := s.Sweep(ctx, src); err != nil {
			s.logger.ErrorContext(ctx, "sweep_failed", slog.String("error", err.Error()))
		}
	}
	if _, err := c.AddFunc(spec, run); err != nil {
		return fmt.Errorf("add sweep job: %w", err)
	}

	run()
	c.Start()
	s.cron = c

	go func() {
		<-ctx.Done()
		s.stop(c)
	}()
	return nil
}

// Stop halts the periodic sweep and waits for a running sweep to finish.
func (s *Service) Stop() {
	s.stop(nil)
}

// stop halts the running cron if it is c, or whatever is running when c is
// nil. A later Start is never stopped on behalf of an earlier one.
func (s *Service) stop(c *cron.Cron) {
	s.mu.Lock()
	if c == nil {
		c = s.cron
	}
	if c == nil || s.cron != c {
		s.mu.Unlock()
		return
	}
	s.cron = nil
	s.mu.Unlock()

	<-c.Stop().Done()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
