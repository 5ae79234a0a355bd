package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"fintrack/internal/auth"
	"fintrack/internal/cli"
	"fintrack/internal/config"
	apphttp "fintrack/internal/http"
	applog "fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/services"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig((*config.Config).ValidateServer)
	logger := cli.SetupLogger(cfg, applog.ComponentApp)

	ctx, stop := cli.SignalContext(logger)
	defer stop()

	be := cli.OpenBackend(ctx, logger, cfg)
	defer func() {
		if err := be.Cleanup(); err != nil {
			logger.Error("Backend cleanup failed", applog.FieldError, err)
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := services.NewObligationService(be.Store, be.Publisher, m,
		services.WithLocation(cfg.Location()),
		services.WithSettleAttempts(cfg.SettleRetries))

	srv := apphttp.NewServer(apphttp.Config{
		Addr:      ":" + cfg.Port,
		JWT:       auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour),
		Logger:    logger.WithComponent(applog.ComponentHTTP),
		Metrics:   m,
		Gatherer:  reg,
		RateLimit: ratelimit.DefaultConfig(),
	}, svc, be.Store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting fintrack server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"timezone", cfg.Timezone)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down server", applog.FieldOperation, applog.OpShutdown)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		be.Cleanup()
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
