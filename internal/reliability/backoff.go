package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffPolicy is an immutable retry configuration. JitterFactor is the
// fraction of BaseDelay added as randomized jitter on top of the exponential
// delay.
type BackoffPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	JitterFactor float64
}

// DefaultBackoffPolicy returns the policy used when callers do not supply one.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxRetries:   3,
		JitterFactor: 0.2,
	}
}

// Validate checks the policy invariants.
func (p BackoffPolicy) Validate() bool {
	return p.BaseDelay >= 0 && p.BaseDelay <= p.MaxDelay &&
		p.MaxRetries >= 0 && p.JitterFactor >= 0
}

// BackoffCalculator computes retry delays from a policy. It is stateless
// apart from its random source, which is injectable so tests can be
// deterministic. rand.Rand is not safe for concurrent use, so reads of rng
// hold mu; a single calculator may be shared across goroutines.
type BackoffCalculator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// BackoffOption configures the calculator.
type BackoffOption func(*BackoffCalculator)

// WithRandSource sets the random source used for jitter.
func WithRandSource(src rand.Source) BackoffOption {
	return func(c *BackoffCalculator) {
		c.rng = rand.New(src)
	}
}

// NewBackoffCalculator creates a new calculator.
func NewBackoffCalculator(options ...BackoffOption) *BackoffCalculator {
	c := &BackoffCalculator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Delay returns the sleep before retry number attempt (zero-based):
// min(baseDelay * 2^attempt + random(0, jitterFactor*baseDelay), maxDelay).
// Callers must not pass attempt beyond the policy's MaxRetries.
func (c *BackoffCalculator) Delay(attempt int, policy BackoffPolicy) time.Duration {
	exponential := float64(policy.BaseDelay) * math.Pow(2, float64(attempt))

	var jitter float64
	if policy.JitterFactor > 0 {
		c.mu.Lock()
		r := c.rng.Float64()
		c.mu.Unlock()
		jitter = r * policy.JitterFactor * float64(policy.BaseDelay)
	}

	delay := exponential + jitter
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	return time.Duration(delay)
}

// Retry runs fn until it succeeds, the policy's retry budget is exhausted, or
// ctx is cancelled. It sleeps the calculator's delay between attempts. The
// returned error is the last attempt's error, or ctx.Err() on cancellation.
func (c *BackoffCalculator) Retry(ctx context.Context, policy BackoffPolicy, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= policy.MaxRetries {
			return lastErr
		}

		select {
		case <-time.After(c.Delay(attempt, policy)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
