// Package config loads the controller's environment-provided defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries the environment-provided defaults for the reliability
// controller. Per-tenant concurrency overrides are given as
// "tenant:limit,tenant:limit".
type Config struct {
	// Backoff policy defaults
	BackoffBaseDelay    time.Duration `env:"FLOWGATE_BACKOFF_BASE_DELAY" envDefault:"100ms"`
	BackoffMaxDelay     time.Duration `env:"FLOWGATE_BACKOFF_MAX_DELAY" envDefault:"10s"`
	BackoffMaxRetries   int           `env:"FLOWGATE_BACKOFF_MAX_RETRIES" envDefault:"3"`
	BackoffJitterFactor float64       `env:"FLOWGATE_BACKOFF_JITTER_FACTOR" envDefault:"0.2"`

	// Circuit breaker defaults
	BreakerFailureThreshold int           `env:"FLOWGATE_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerFailureWindow    time.Duration `env:"FLOWGATE_BREAKER_FAILURE_WINDOW" envDefault:"1m"`
	BreakerRecoveryInterval time.Duration `env:"FLOWGATE_BREAKER_RECOVERY_INTERVAL" envDefault:"30s"`

	// Concurrency limits
	DefaultConcurrencyLimit int64            `env:"FLOWGATE_DEFAULT_CONCURRENCY_LIMIT" envDefault:"10"`
	TenantConcurrencyLimits map[string]int64 `env:"FLOWGATE_TENANT_CONCURRENCY_LIMITS"`

	// Dead letter queue
	DLQTTL             time.Duration `env:"FLOWGATE_DLQ_TTL" envDefault:"168h"`
	DLQCleanupInterval time.Duration `env:"FLOWGATE_DLQ_CLEANUP_INTERVAL" envDefault:"1h"`

	// Durable store connections
	PostgresDSN   string `env:"FLOWGATE_POSTGRES_DSN"`
	RedisAddr     string `env:"FLOWGATE_REDIS_ADDR"`
	RedisPassword string `env:"FLOWGATE_REDIS_PASSWORD"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if c.BackoffBaseDelay > c.BackoffMaxDelay {
		return Config{}, fmt.Errorf("backoff base delay %v exceeds max delay %v",
			c.BackoffBaseDelay, c.BackoffMaxDelay)
	}
	if c.BackoffJitterFactor < 0 {
		return Config{}, fmt.Errorf("backoff jitter factor must not be negative")
	}
	return c, nil
}
