// Package cli provides common CLI initialization utilities shared by
// cmd/fintrack and cmd/recurring-worker.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fintrack/internal/backend"
	"fintrack/internal/config"
	applog "fintrack/internal/log"
)

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and installs it
// as the slog default.
func SetupLogger(cfg *config.Config, component string) *applog.Logger {
	lc := applog.DefaultConfig()
	lc.Level = applog.ParseLevel(cfg.LogLevel)
	if cfg.LogFormat != "" {
		lc.Format = cfg.LogFormat
	}
	if component != "" {
		lc.Component = component
	}
	logger := applog.New(lc)
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it with validate,
// typically (*config.Config).Validate or ValidateServer.
// Exits the process on validation failure.
func LoadAndValidateConfig(validate func(*config.Config) error) *config.Config {
	cfg := config.Load()
	if err := validate(cfg); err != nil {
		// The configured logger depends on cfg, so report with the default one.
		applog.Default(applog.ComponentApp).Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// OpenBackend opens the configured store and the optional event publisher.
// Exits the process when the store cannot be opened.
func OpenBackend(ctx context.Context, logger *applog.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}

	res, err := backend.NewFactory(logger.WithComponent(applog.ComponentStorage).Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err, "backend", bcfg.Type.String())
		os.Exit(1)
	}
	if res.Publisher == nil {
		logger.Info("AMQP disabled, realized expenses will not be published")
	}
	return res
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *applog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
