// Package notify delivers terminal notifications produced by the engine.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/stepflow/pkg/api"
)

// LogSink writes every terminal event to a logger. Failed and aborted
// executions are logged at error level.
type LogSink struct {
	Logger *slog.Logger
}

var _ api.Notifier = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, ev api.TerminalEvent) error {
	level := slog.LevelInfo
	if ev.Status != api.StatusSucceeded {
		level = slog.LevelError
	}
	s.Logger.Log(ctx, level, "execution_notification",
		slog.String("job_id", ev.JobID),
		slog.String("workflow", ev.WorkflowID),
		slog.String("status", string(ev.Status)),
		slog.String("summary", ev.Summary),
	)
	return nil
}

// Multi fans an event out to every notifier. All are attempted; their
// errors are joined.
type Multi []api.Notifier

var _ api.Notifier = Multi(nil)

func (m Multi) Notify(ctx context.Context, ev api.TerminalEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to api.Notifier.
type Func func(ctx context.Context, ev api.TerminalEvent) error

func (f Func) Notify(ctx context.Context, ev api.TerminalEvent) error { return f(ctx, ev) }
