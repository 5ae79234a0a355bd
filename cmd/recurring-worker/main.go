package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/scheduler"
	"fintrack/internal/services"
	"fintrack/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig((*config.Config).Validate)
	logger := cli.SetupLogger(cfg, applog.ComponentSweep)

	logger.Info("Starting recurring-worker",
		"sweep_mode", cfg.SweepMode,
		"sweep_at", cfg.SweepAt,
		"timezone", cfg.Timezone)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	be := cli.OpenBackend(ctx, logger, cfg)
	defer be.Cleanup()

	reg := prometheus.NewRegistry()
	sweeper := newSweeper(be.Store, be.Publisher, reg)

	hour, minute, _ := cfg.SweepClock()
	daily := scheduler.NewDaily(hour, minute, cfg.Location())
	sweep := sweepJob(sweeper, logger)

	if cfg.SweepMode == config.SweepModeOnce {
		today := daily.Today()
		res, err := sweeper.Sweep(ctx, today)
		if err != nil {
			logger.Error("Sweep failed", applog.FieldSweepDate, today.String(), applog.FieldError, err)
			be.Cleanup()
			os.Exit(1)
		}
		logger.Info("Single sweep finished", applog.FieldSweepDate, today.String(), "result", res.String())
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsPort != "" {
		srv := metrics.NewServer(":"+cfg.MetricsPort, reg)
		g.Go(func() error {
			logger.Info("Serving worker metrics", "port", cfg.MetricsPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// Catch up on anything that fell due while the worker was down.
		if err := sweep(gctx, daily.Today()); err != nil {
			logger.Error("Initial sweep failed", applog.FieldError, err)
		}
		if err := daily.Run(gctx, sweep); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Recurring-worker stopped", applog.FieldError, err)
		be.Cleanup()
		os.Exit(1)
	}
	logger.Info("Recurring-worker shutdown complete")
}

func newSweeper(store storage.Store, publisher services.EventPublisher, reg prometheus.Registerer) *services.Sweeper {
	return services.NewSweeper(store, publisher, metrics.New(reg))
}

func sweepJob(sweeper *services.Sweeper, logger *applog.Logger) scheduler.Job {
	return func(ctx context.Context, today core.Date) error {
		res, err := sweeper.Sweep(ctx, today)
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			logger.WarnContext(ctx, "Sweep finished with failures", applog.FieldSweepDate, today.String(), "result", res.String())
		}
		return nil
	}
}
