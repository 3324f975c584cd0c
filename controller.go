// Copyright 2025 Flowgate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flowgate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowgate/flowgate-go/internal/reliability"
)

// Controller is the reliability orchestrator other subsystems talk to. It
// composes per-tenant circuit breakers, per-tenant admission control, a
// retry loop, a dead letter queue, and replay protection around a
// caller-supplied unit of work.
//
// Per-tenant breaker and concurrency registries are owned by the instance,
// never shared across processes; construct one Controller per process (or
// per test case).
type Controller struct {
	mu       sync.Mutex
	breakers map[string]*reliability.CircuitBreaker

	limiter *reliability.ConcurrencyLimiter
	dlq     *reliability.DeadLetterQueue
	guard   *reliability.ReplayGuard
	backoff *reliability.BackoffCalculator

	policy      reliability.BackoffPolicy
	breakerOpts []reliability.CircuitBreakerOption
	logger      *slog.Logger
}

// ExecuteOptions modifies a single ExecuteWithReliability call.
type ExecuteOptions struct {
	// CheckReplay enables replay protection for this call. EventID must be
	// set to the external event's id.
	CheckReplay bool
	EventID     string

	// Payload is attached verbatim to any dead letter entry this call
	// produces, so the work item can be re-driven later.
	Payload map[string]any

	// Policy overrides the controller's default backoff policy.
	Policy *reliability.BackoffPolicy
}

// NewController creates a controller. Without options it runs fully
// in-memory: defaults for every policy, an in-memory dead letter store, and
// an in-memory replay ledger.
func NewController(options ...ControllerOption) *Controller {
	c := &Controller{
		breakers: make(map[string]*reliability.CircuitBreaker),
		policy:   reliability.DefaultBackoffPolicy(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.backoff == nil {
		c.backoff = reliability.NewBackoffCalculator()
	}
	if c.limiter == nil {
		c.limiter = reliability.NewConcurrencyLimiter()
	}
	if c.dlq == nil {
		c.dlq = reliability.NewDeadLetterQueue(reliability.NewInMemoryStore(),
			reliability.WithDLQLogger(c.logger))
	}
	if c.guard == nil {
		c.guard = reliability.NewReplayGuard(reliability.NewInMemoryLedger(),
			reliability.WithReplayLogger(c.logger))
	}

	return c
}

// ExecuteWithReliability runs op for tenantID under the full reliability
// stack: replay check, admission control, circuit breaking, and retries with
// jittered exponential backoff. Terminal failures are preserved in the dead
// letter queue before the error is returned; load-shedding rejections
// (breaker open before the call, concurrency exceeded) and cancellations
// are not retried.
func (c *Controller) ExecuteWithReliability(ctx context.Context, tenantID, workflowName string, op func(context.Context) error, opts ExecuteOptions) error {
	if opts.CheckReplay && opts.EventID != "" {
		processed, err := c.guard.IsEventProcessed(ctx, tenantID, opts.EventID)
		if err != nil {
			c.logger.Error("replay check failed",
				"tenant", tenantID,
				"workflow", workflowName,
				"eventId", opts.EventID,
				"error", err,
			)
			return err
		}
		if processed {
			c.logger.Info("duplicate event rejected",
				"tenant", tenantID,
				"workflow", workflowName,
				"eventId", opts.EventID,
			)
			return &reliability.DuplicateEventError{
				Tenant:   tenantID,
				Workflow: workflowName,
				EventID:  opts.EventID,
			}
		}
	}

	release, err := c.limiter.Acquire(tenantID)
	if err != nil {
		// Load shedding, not a workflow failure: no dead letter entry.
		c.logger.Warn("execution shed",
			"tenant", tenantID,
			"workflow", workflowName,
			"error", err,
		)
		return err
	}
	// The slot is held for the full retry sequence, sleeps included, so the
	// admission guarantee stays meaningful.
	defer release()

	policy := c.policy
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	start := time.Now()
	attempts := 0

	// The retry loop runs inside the breaker so only the terminal exhausted
	// failure counts against the failure budget, not every attempt.
	opErr := c.GetCircuitBreaker(tenantID).Execute(ctx, func(ctx context.Context) error {
		return c.backoff.Retry(ctx, policy, func(ctx context.Context) error {
			attempts++
			return op(ctx)
		})
	})

	if opErr == nil {
		if opts.CheckReplay && opts.EventID != "" {
			if err := c.guard.MarkEventProcessed(ctx, tenantID, opts.EventID); err != nil {
				// Reporting failure here would trigger caller retries and
				// re-execute work that already succeeded, so log and return
				// the result.
				c.logger.Error("replay ledger update failed",
					"tenant", tenantID,
					"workflow", workflowName,
					"eventId", opts.EventID,
					"error", err,
				)
			}
		}
		return nil
	}

	if ctx.Err() != nil && errors.Is(opErr, ctx.Err()) {
		// Cancellation is the caller's doing, not a workflow failure.
		return opErr
	}

	var cbErr *reliability.CircuitBreakerError
	errorCode := ""
	terminal := opErr
	if errors.As(opErr, &cbErr) {
		errorCode = "breaker_open"
		c.logger.Warn("execution rejected by open breaker",
			"tenant", tenantID,
			"workflow", workflowName,
		)
	} else {
		terminal = &reliability.RetryError{
			Tenant:      tenantID,
			Workflow:    workflowName,
			Attempts:    attempts,
			MaxAttempts: policy.MaxRetries,
			Duration:    time.Since(start),
			LastError:   opErr,
		}
		c.logger.Error("workflow execution failed",
			"tenant", tenantID,
			"workflow", workflowName,
			"attempts", attempts,
			"error", opErr,
		)
	}

	if _, dlqErr := c.dlq.AddMessage(ctx, tenantID, workflowName, opts.Payload, opErr.Error(), errorCode); dlqErr != nil {
		// Losing a dead letter silently would defeat the subsystem; surface
		// it loudly but still propagate the workflow failure.
		c.logger.Error("dead letter write failed",
			"tenant", tenantID,
			"workflow", workflowName,
			"error", dlqErr,
		)
	}

	return terminal
}

// Execute runs op through ctrl with a typed result.
func Execute[T any](ctx context.Context, ctrl *Controller, tenantID, workflowName string, op func(context.Context) (T, error), opts ExecuteOptions) (T, error) {
	var result T
	err := ctrl.ExecuteWithReliability(ctx, tenantID, workflowName, func(ctx context.Context) error {
		r, err := op(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// GetCircuitBreaker returns the tenant's breaker, creating it on first
// reference. Breakers live for the life of the controller.
func (c *Controller) GetCircuitBreaker(tenantID string) *reliability.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[tenantID]
	if !ok {
		opts := append([]reliability.CircuitBreakerOption{
			reliability.WithTenant(tenantID),
			reliability.WithListener(&breakerLogListener{logger: c.logger}),
		}, c.breakerOpts...)
		cb = reliability.NewCircuitBreaker(opts...)
		c.breakers[tenantID] = cb
	}
	return cb
}

// DLQ exposes the dead letter queue for inspection and replay.
func (c *Controller) DLQ() *reliability.DeadLetterQueue {
	return c.dlq
}

// ReplayGuard exposes the replay guard.
func (c *Controller) ReplayGuard() *reliability.ReplayGuard {
	return c.guard
}

// Limiter exposes the concurrency limiter.
func (c *Controller) Limiter() *reliability.ConcurrencyLimiter {
	return c.limiter
}

// Stats aggregates breaker state, concurrency usage, and dead letter queue
// size for observability dashboards.
func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	breakers := make(map[string]reliability.CircuitBreakerMetrics, len(c.breakers))
	for tenant, cb := range c.breakers {
		breakers[tenant] = cb.GetMetrics()
	}
	c.mu.Unlock()

	dlqStats, err := c.dlq.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Breakers:    breakers,
		Concurrency: c.limiter.GetStats(),
		DeadLetters: dlqStats,
	}, nil
}

// Stats is a point-in-time snapshot of the controller's health.
type Stats struct {
	Breakers    map[string]reliability.CircuitBreakerMetrics `json:"breakers"`
	Concurrency map[string]reliability.TenantStats           `json:"concurrency"`
	DeadLetters reliability.DLQStats                         `json:"deadLetters"`
}

// breakerLogListener mirrors breaker transitions into the controller log so
// load shedding is distinguishable from outages.
type breakerLogListener struct {
	logger *slog.Logger
}

func (l *breakerLogListener) OnStateChange(tenant string, from, to reliability.State, reason string) {
	if to == reliability.StateOpen {
		l.logger.Warn("circuit breaker opened",
			"tenant", tenant,
			"from", from.String(),
			"reason", reason,
		)
		return
	}
	l.logger.Info("circuit breaker state changed",
		"tenant", tenant,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}
