package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/stepflow/internal/backend"
	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/definition"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/invoker"
	"github.com/petrijr/stepflow/internal/logger"
	"github.com/petrijr/stepflow/internal/notify"
	"github.com/petrijr/stepflow/internal/telemetry"
	"github.com/petrijr/stepflow/internal/timer"
	"github.com/petrijr/stepflow/pkg/api"
)

const serviceName = "stepflowd"

// runtime holds everything a command needs to talk to the engine.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *backend.Backend
	invoker  *invoker.Router
	timer    *timer.Service
	engine   api.Engine
	registry *prometheus.Registry

	closers []func(context.Context) error
}

func loadConfig(ctx context.Context, command *cli.Command) (*config.Config, error) {
	cfg, err := config.NewLoader().Load(ctx, command.String("config"))
	if err != nil {
		return nil, err
	}
	if command.IsSet("log-level") {
		cfg.Log.Level = command.String("log-level")
	}
	if command.IsSet("workflows") {
		cfg.Workflows.Dir = command.String("workflows")
	}
	return cfg, nil
}

func newRuntime(ctx context.Context, command *cli.Command) (*runtime, error) {
	cfg, err := loadConfig(ctx, command)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.JSON).With("module", serviceName)

	rt := &runtime{cfg: cfg, logger: log, invoker: invoker.NewRouter()}

	rt.backend, err = backend.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.backend.Close() })

	tracer, shutdown, err := telemetry.SetupTracing(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	notifier, err := rt.notifier()
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(rt.registry, rt.backend.Queue.Len)

	rt.timer = timer.NewService(rt.backend.Queue, timer.WithLogger(log))
	rt.engine = engine.NewEngineWithConfig(engine.Config{
		Persistence:              rt.backend.Persistence,
		Invoker:                  rt.invoker,
		Notifier:                 notifier,
		Scheduler:                rt.timer,
		Observer:                 api.NewCompositeObserver(api.NewLoggingObserver(log), metrics),
		Logger:                   log,
		Tracer:                   tracer,
		LeaseTTL:                 cfg.Engine.LeaseTTL,
		StaleAfter:               cfg.Engine.StaleAfter,
		MaxConflictRetries:       cfg.Engine.MaxConflictRetries,
		MaxStepsPerPass:          cfg.Engine.MaxStepsPerPass,
		AllowDeadlineBeforeWaits: cfg.Engine.AllowDeadlineBeforeWaits,
	})

	if err := rt.registerWorkflows(); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) notifier() (api.Notifier, error) {
	var sinks notify.Multi
	if rt.cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(rt.logger))
	}
	if len(rt.cfg.Notify.KafkaBrokers) > 0 {
		pub, err := notify.NewKafkaPublisher(rt.cfg.Notify.KafkaBrokers, rt.logger)
		if err != nil {
			return nil, err
		}
		p := notify.NewPublisher(pub, rt.cfg.Notify.Topic)
		rt.closers = append(rt.closers, func(context.Context) error { return p.Close() })
		sinks = append(sinks, p)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func (rt *runtime) registerWorkflows() error {
	if rt.cfg.Workflows.Dir == "" {
		return nil
	}
	defs, err := definition.LoadDir(rt.cfg.Workflows.Dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := rt.engine.RegisterWorkflow(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
		rt.logger.Debug("workflow_registered", "workflow", def.ID, "states", len(def.States))
	}
	rt.logger.Info("workflows_loaded", "dir", rt.cfg.Workflows.Dir, "count", len(defs))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// withRuntime runs fn with a runtime and closes it afterwards.
func withRuntime(fn func(ctx context.Context, command *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		rt, err := newRuntime(ctx, command)
		if err != nil {
			return err
		}
		defer func() {
			if err := rt.Close(context.Background()); err != nil {
				rt.logger.Error("runtime_close_failed", "error", err)
			}
		}()
		return fn(ctx, command, rt)
	}
}
