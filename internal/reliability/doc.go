// Package reliability provides the building blocks for safe calls into an
// external workflow engine.
//
// This package implements the mechanisms the controller composes:
//   - Backoff Calculator: bounded, jittered exponential retry delays
//   - Circuit Breaker: per-tenant gating of a consistently failing downstream
//   - Concurrency Limiter: non-blocking per-tenant admission control
//   - Dead Letter Queue: durable storage of terminally failed work items
//   - Replay Guard: last-event ledger rejecting duplicate external events
//
// Key features:
//   - Thread-safe implementations suitable for concurrent use
//   - Configurable thresholds, windows, and time-to-live
//   - Narrow store interfaces so persistence stays pluggable
//   - In-memory store implementations for tests and single-process use
//
// Example usage:
//
//	// Create a circuit breaker for a tenant
//	cb := NewCircuitBreaker(
//	    WithTenant("acme"),
//	    WithFailureThreshold(5),
//	    WithRecoveryInterval(30 * time.Second),
//	)
//
//	// Use it to protect a call
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return callWorkflowEngine(ctx)
//	})
package reliability
