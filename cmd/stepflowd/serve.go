package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/telemetry"
	"github.com/petrijr/stepflow/pkg/worker"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Evaluate queued executions and run the recovery sweep",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of concurrent evaluators (overrides engine.workers)",
			},
		},
		Action: withRuntime(func(ctx context.Context, command *cli.Command, rt *runtime) error {
			workers := rt.cfg.Engine.Workers
			if command.IsSet("workers") {
				workers = command.Int("workers")
			}

			if err := rt.timer.Start(ctx, rt.cfg.Timer.SweepSchedule, rt.engine); err != nil {
				return err
			}
			defer rt.timer.Stop()

			rt.logger.InfoContext(ctx, "serving",
				"workers", workers,
				"store", rt.cfg.Store.Backend,
				"queue", rt.cfg.QueueBackend(),
				"sweep", rt.cfg.Timer.SweepSchedule,
			)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return worker.New(rt.engine, rt.backend.Queue, worker.WithLogger(rt.logger)).Run(ctx, workers)
			})
			if addr := rt.cfg.Telemetry.MetricsAddr; addr != "" {
				g.Go(func() error { return serveMetrics(ctx, rt, addr) })
			}
			err := g.Wait()
			rt.logger.Info("stopped")
			return err
		}),
	}
}

func serveMetrics(ctx context.Context, rt *runtime, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(rt.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	rt.logger.Info("metrics_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
