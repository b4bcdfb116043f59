// Package config loads and validates process configuration: koanf's env
// provider remaps GATEWAY_SECTION__FIELD-style environment variables into
// dotted keys, godotenv/autoload picks up a local .env file first, and
// go-playground/validator enforces the `validate` struct tags afterward.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
)

// Config is the process-wide configuration tree.
type Config struct {
	Primary       Primary           `koanf:"primary"`
	Server        ServerConfig      `koanf:"server"`
	Database      DatabaseConfig    `koanf:"database"`
	Provider      ProviderConfig    `koanf:"provider"`
	Locking       LockingConfig     `koanf:"locking"`
	Idempotency   IdempotencyConfig `koanf:"idempotency"`
	Retry         RetryConfig       `koanf:"retry"`
	Recovery      RecoveryConfig    `koanf:"recovery"`
	Compensation  CompensationConfig `koanf:"compensation"`
	Reconciler    ReconcilerConfig  `koanf:"reconciler"`
	Logger        LoggerConfig      `koanf:"logger"`
}

// Primary carries the deployment environment name (dev/staging/prod).
type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

// ServerConfig configures the process's HTTP surface (health checks plus
// the thin transaction front door).
type ServerConfig struct {
	Port         string        `koanf:"port" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"required"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"required"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"required"`
}

// DatabaseConfig mirrors storepg.Config field-for-field; ToStorePG
// converts it so storepg stays free of a compile-time dependency on this
// package.
type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"required"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password" validate:"required"`
	Name            string        `koanf:"name" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"required"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"required"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"required"`
}

// ProviderConfig configures the HTTP provider adapter.
type ProviderConfig struct {
	BaseURL       string        `koanf:"base_url" validate:"required"`
	ConnTimeout   time.Duration `koanf:"conn_timeout" validate:"required"`
	SigningSecret string        `koanf:"signing_secret" validate:"required"`
}

// LockingConfig tunes the record locker.
type LockingConfig struct {
	TTL time.Duration `koanf:"ttl" validate:"required"`
}

// IdempotencyConfig tunes the idempotency manager, including the
// background sweep interval for its Sweep/RunSweep pass.
type IdempotencyConfig struct {
	TTL           time.Duration `koanf:"ttl" validate:"required"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"required"`
}

// RetryConfig carries the full exponential-backoff-plus-jitter schedule
// retry.Policy implements.
type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts" validate:"required"`
	Backoff      string        `koanf:"backoff" validate:"required,oneof=fixed exponential"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"required"`
	MaxDelay     time.Duration `koanf:"max_delay" validate:"required"`
	JitterFactor float64       `koanf:"jitter_factor"`
}

// RecoveryConfig tunes the recovery manager, in particular
// TimeoutRecovery's abandonment threshold.
type RecoveryConfig struct {
	MaxWaitTime time.Duration `koanf:"max_wait_time" validate:"required"`
}

// CompensationConfig tunes the compensation ledger.
type CompensationConfig struct {
	MaxRetries int `koanf:"max_retries" validate:"required"`
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	Interval         time.Duration `koanf:"interval" validate:"required"`
	Window           time.Duration `koanf:"window" validate:"required"`
	ExpirationCutoff time.Duration `koanf:"expiration_cutoff" validate:"required"`
}

type LoggerConfig struct {
	Level string `koanf:"level"`
}

// LoadConfig loads, remaps and validates configuration from the
// environment: GATEWAY_SECTION__FIELD env vars win, a local .env file is
// picked up first via godotenv/autoload, then validator enforces every
// `validate` tag.
func LoadConfig() (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		logger.Error("could not unmarshal config", "error", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return cfg, nil
}
