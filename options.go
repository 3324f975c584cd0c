package flowgate

import (
	"log/slog"

	"github.com/flowgate/flowgate-go/internal/config"
	"github.com/flowgate/flowgate-go/internal/reliability"
)

// ControllerOption configures the controller
type ControllerOption func(*Controller)

// WithLogger sets the logger used by the controller and the components it
// constructs itself.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithBackoffPolicy sets the default backoff policy
func WithBackoffPolicy(policy reliability.BackoffPolicy) ControllerOption {
	return func(c *Controller) {
		c.policy = policy
	}
}

// WithBackoffCalculator sets the calculator, mainly to seed jitter in tests
func WithBackoffCalculator(calc *reliability.BackoffCalculator) ControllerOption {
	return func(c *Controller) {
		c.backoff = calc
	}
}

// WithBreakerOptions sets the options applied to every tenant breaker the
// controller creates.
func WithBreakerOptions(options ...reliability.CircuitBreakerOption) ControllerOption {
	return func(c *Controller) {
		c.breakerOpts = append(c.breakerOpts, options...)
	}
}

// WithConcurrencyLimiter sets the admission controller
func WithConcurrencyLimiter(limiter *reliability.ConcurrencyLimiter) ControllerOption {
	return func(c *Controller) {
		c.limiter = limiter
	}
}

// WithDeadLetterQueue sets the dead letter queue
func WithDeadLetterQueue(dlq *reliability.DeadLetterQueue) ControllerOption {
	return func(c *Controller) {
		c.dlq = dlq
	}
}

// WithReplayGuard sets the replay guard
func WithReplayGuard(guard *reliability.ReplayGuard) ControllerOption {
	return func(c *Controller) {
		c.guard = guard
	}
}

// FromConfig derives controller options from environment configuration.
// Store-backed components (dead letter queue, replay guard) are still wired
// separately since they need live connections.
func FromConfig(cfg config.Config) ControllerOption {
	return func(c *Controller) {
		c.policy = reliability.BackoffPolicy{
			BaseDelay:    cfg.BackoffBaseDelay,
			MaxDelay:     cfg.BackoffMaxDelay,
			MaxRetries:   cfg.BackoffMaxRetries,
			JitterFactor: cfg.BackoffJitterFactor,
		}
		c.breakerOpts = append(c.breakerOpts,
			reliability.WithFailureThreshold(cfg.BreakerFailureThreshold),
			reliability.WithFailureWindow(cfg.BreakerFailureWindow),
			reliability.WithRecoveryInterval(cfg.BreakerRecoveryInterval),
		)
		c.limiter = reliability.NewConcurrencyLimiter(
			reliability.WithDefaultLimit(cfg.DefaultConcurrencyLimit),
			reliability.WithTenantLimits(cfg.TenantConcurrencyLimits),
		)
	}
}
