package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(tenant string, from, to State, reason string)
}

// CircuitBreaker gates calls to a downstream target for a single tenant.
// Consecutive failures trip it Open; after the recovery interval a single
// probe call decides whether it closes again.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	probing         bool
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64

	// Configuration
	failureThreshold int
	windowDuration   time.Duration
	recoveryInterval time.Duration
	tenant           string
	now              func() time.Time

	// Listeners
	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that trips the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithFailureWindow sets how long a failure streak is remembered
func WithFailureWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.windowDuration = window
	}
}

// WithRecoveryInterval sets how long the breaker stays open before probing
func WithRecoveryInterval(interval time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.recoveryInterval = interval
	}
}

// WithTenant sets the tenant id the breaker belongs to
func WithTenant(tenant string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.tenant = tenant
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// WithListener registers a state change listener
func WithListener(listener StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, listener)
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		windowDuration:   time.Minute,
		recoveryInterval: 30 * time.Second,
		tenant:           "default",
		now:              time.Now,
		listeners:        make([]StateChangeListener, 0),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs a function with circuit breaker protection. In the Open state
// it returns a *CircuitBreakerError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.canExecute(); err != nil {
		return err
	}

	// Check context before execution
	select {
	case <-ctx.Done():
		cb.abandonProbe()
		return ctx.Err()
	default:
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		// Cancellation is not a downstream failure; leave the breaker alone.
		cb.abandonProbe()
		return err
	}
	cb.recordResult(err)
	return err
}

// abandonProbe releases the half-open probe slot when the admitted call was
// cancelled before producing a verdict.
func (cb *CircuitBreaker) abandonProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probing = false
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the current failure streak and the last failure/success times
func (cb *CircuitBreaker) GetStats() (failures int, lastFailure, lastSuccess time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.lastFailureTime, cb.lastSuccessTime
}

// Reset forces the breaker Closed with zero counters (administrative override)
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	if oldState != StateClosed {
		cb.notifyStateChange(oldState, StateClosed, "manual reset")
	}
}

// canExecute checks if execution is allowed
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextProbe := cb.lastFailureTime.Add(cb.recoveryInterval)
		if cb.now().After(nextProbe) {
			oldState := cb.state
			cb.state = StateHalfOpen
			cb.probing = true
			cb.notifyStateChange(oldState, cb.state, "recovery interval elapsed")
			return nil
		}
		return &CircuitBreakerError{
			Tenant:           cb.tenant,
			State:            cb.state,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextProbe:        nextProbe,
		}

	case StateHalfOpen:
		if cb.probing {
			// A probe is already in flight; reject until it resolves.
			return &CircuitBreakerError{
				Tenant:           cb.tenant,
				State:            cb.state,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				LastFailure:      cb.lastFailureTime,
				NextProbe:        cb.now().Add(time.Second),
			}
		}
		cb.probing = true
		return nil

	default:
		return ErrUnknownState
	}
}

// recordResult records the result of an execution
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if err != nil {
		// Age out stale failure streaks before counting a fresh one.
		if cb.state == StateClosed && cb.failures > 0 &&
			now.Sub(cb.lastFailureTime) > cb.windowDuration {
			cb.failures = 0
		}

		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = now
		oldState := cb.state

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.notifyStateChange(oldState, cb.state,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}

		case StateHalfOpen:
			// A failed probe moves straight back to open.
			cb.state = StateOpen
			cb.probing = false
			cb.notifyStateChange(oldState, cb.state, "probe failed")
		}

	} else {
		cb.totalSuccesses++
		cb.lastSuccessTime = now
		oldState := cb.state

		switch cb.state {
		case StateHalfOpen:
			cb.state = StateClosed
			cb.failures = 0
			cb.probing = false
			cb.notifyStateChange(oldState, cb.state, "probe succeeded")

		case StateClosed:
			cb.failures = 0
		}
	}
}

// notifyStateChange notifies all listeners of state change
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	// Copy so callbacks run without the breaker lock held.
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(cb.tenant, from, to, reason)
	}
}

// GetMetrics returns cumulative circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Tenant:          cb.tenant,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
		LastSuccessTime: cb.lastSuccessTime,
		Timestamp:       cb.now(),
	}
}

// CircuitBreakerMetrics represents a point-in-time breaker snapshot
type CircuitBreakerMetrics struct {
	Tenant          string    `json:"tenant"`
	State           State     `json:"state"`
	TotalRequests   int64     `json:"totalRequests"`
	TotalFailures   int64     `json:"totalFailures"`
	TotalSuccesses  int64     `json:"totalSuccesses"`
	CurrentFailures int       `json:"currentFailures"`
	LastFailureTime time.Time `json:"lastFailureTime"`
	LastSuccessTime time.Time `json:"lastSuccessTime"`
	Timestamp       time.Time `json:"timestamp"`
}
