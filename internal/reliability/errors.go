package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Admission control errors
	ErrConcurrencyExceeded = errors.New("limiter: concurrency limit exceeded")

	// Replay protection errors
	ErrDuplicateEvent = errors.New("replay guard: event already processed")

	// Dead letter queue errors
	ErrEntryNotFound = errors.New("dlq: entry not found")
	ErrEntryExpired  = errors.New("dlq: entry expired")
)

// CircuitBreakerError is returned when the breaker rejects a call without
// invoking the wrapped operation.
type CircuitBreakerError struct {
	Tenant           string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextProbe        time.Time
}

func (e *CircuitBreakerError) Error() string {
	retryIn := time.Until(e.NextProbe).Round(time.Second)
	return fmt.Sprintf("circuit breaker open: tenant %s blocked (failures=%d/%d, probe in %v)",
		e.Tenant, e.Failures, e.FailureThreshold, retryIn)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError is the terminal error after all retry attempts are exhausted.
type RetryError struct {
	Tenant      string
	Workflow    string
	Attempts    int
	MaxAttempts int
	Duration    time.Duration
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s/%s after %d/%d attempts over %v: %v",
		e.Tenant, e.Workflow, e.Attempts, e.MaxAttempts,
		e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// ConcurrencyError is returned when a tenant's admission budget is full.
// It is a load-shedding signal, never recorded in the dead letter queue.
type ConcurrencyError struct {
	Tenant string
	Active int64
	Limit  int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency limit exceeded: tenant %s at %d/%d in-flight",
		e.Tenant, e.Active, e.Limit)
}

func (e *ConcurrencyError) Unwrap() error {
	return ErrConcurrencyExceeded
}

// DuplicateEventError is returned when replay protection detects a repeat
// delivery of an already-processed external event.
type DuplicateEventError struct {
	Tenant   string
	Workflow string
	EventID  string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event: %s already processed for tenant %s (workflow %s)",
		e.EventID, e.Tenant, e.Workflow)
}

func (e *DuplicateEventError) Unwrap() error {
	return ErrDuplicateEvent
}

// PersistenceError wraps a failure of the durable store itself. It is kept
// distinct from workflow failures so a lost dead-letter write is never
// silently swallowed.
type PersistenceError struct {
	Op     string
	Tenant string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Tenant != "" {
		return fmt.Sprintf("persistence: %s failed for tenant %s: %v", e.Op, e.Tenant, e.Err)
	}
	return fmt.Sprintf("persistence: %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsLoadShedding reports whether an error is an admission-control or
// breaker-open rejection rather than a genuine workflow failure. Operators
// use this split to keep shed traffic out of outage dashboards.
func IsLoadShedding(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrConcurrencyExceeded)
}
