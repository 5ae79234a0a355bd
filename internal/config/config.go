package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	SweepModeDaemon = "daemon"
	SweepModeOnce   = "once"

	minJWTSecretLength = 16
)

type Config struct {
	// HTTP Server
	Port            string
	ShutdownTimeout time.Duration

	// Metrics listener of the recurring worker
	MetricsPort string

	// Database
	DataBackend  string
	SQLiteDBPath string
	DatabaseURL  string

	// AMQP, disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Auth
	JWTSecret string

	// Logging
	LogLevel  string
	LogFormat string

	// Sweep
	Timezone      string
	SweepAt       string
	SweepMode     string
	SettleRetries int
}

func Load() *Config {
	cfg := &Config{
		Port:            getEnv("PORT", "8081"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MetricsPort:     getEnv("METRICS_PORT", "9091"),

		DataBackend:  getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/fintrack.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fintrack"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "expense_realized"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		Timezone:      getEnv("TIMEZONE", "UTC"),
		SweepAt:       getEnv("SWEEP_AT", "00:05"),
		SweepMode:     getEnv("SWEEP_MODE", SweepModeDaemon),
		SettleRetries: getEnvInt("SETTLE_RETRIES", 3),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate ports
	if msg := validatePort("port", c.Port); msg != "" {
		errors = append(errors, msg)
	}
	if c.MetricsPort != "" {
		if msg := validatePort("metrics port", c.MetricsPort); msg != "" {
			errors = append(errors, msg)
		} else if c.MetricsPort == c.Port {
			errors = append(errors, fmt.Sprintf("metrics port %s must differ from port", c.MetricsPort))
		}
	}

	// Validate data backend
	validBackends := []string{BackendSQLite, BackendPostgres}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == BackendSQLite {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.DataBackend == BackendPostgres {
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if parsedURL, err := url.Parse(c.DatabaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL: %v", err))
		} else if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
			errors = append(errors, fmt.Sprintf("invalid DATABASE_URL scheme '%s': must be 'postgres' or 'postgresql'", parsedURL.Scheme))
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLevels))
	}
	validFormats := []string{"text", "json", "pretty"}
	if !slices.Contains(validFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be one of %v", c.LogFormat, validFormats))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("invalid timezone '%s': %v", c.Timezone, err))
	}
	if _, _, err := c.SweepClock(); err != nil {
		errors = append(errors, err.Error())
	}
	if c.SweepMode != SweepModeDaemon && c.SweepMode != SweepModeOnce {
		errors = append(errors, fmt.Sprintf("invalid sweep mode '%s': must be 'daemon' or 'once'", c.SweepMode))
	}

	if c.SettleRetries < 1 || c.SettleRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid settle retries %d: must be between 1 and 10", c.SettleRetries))
	}
	if c.ShutdownTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid shutdown timeout %v: must be at least 1 second", c.ShutdownTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateServer runs Validate plus the checks only the API server needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("configuration validation failed:\n- JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	return nil
}

// Location returns the timezone in which calendar dates are taken.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SweepClock parses SweepAt as HH:MM.
func (c *Config) SweepClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.SweepAt)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid sweep time '%s': must be HH:MM", c.SweepAt)
	}
	return t.Hour(), t.Minute(), nil
}

func validatePort(name, value string) string {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Sprintf("invalid %s '%s': must be a number", name, value)
	}
	if port < 1 || port > 65535 {
		return fmt.Sprintf("invalid %s %d: must be between 1 and 65535", name, port)
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
