package reliability

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReleaseFunc returns a tenant's concurrency slot. Safe to call more than
// once; only the first call releases.
type ReleaseFunc func()

// TenantStats describes one tenant's admission budget.
type TenantStats struct {
	Active int64 `json:"active"`
	Limit  int64 `json:"limit"`
}

// ConcurrencyLimiter bounds simultaneous executions per tenant. Acquire never
// blocks: when a tenant's budget is full the call is rejected outright, this
// is admission control rather than a queue.
type ConcurrencyLimiter struct {
	mu           sync.Mutex
	tenants      map[string]*tenantBudget
	limits       map[string]int64
	defaultLimit int64
}

type tenantBudget struct {
	sem    *semaphore.Weighted
	active int64
	limit  int64
}

// LimiterOption configures the limiter
type LimiterOption func(*ConcurrencyLimiter)

// WithDefaultLimit sets the per-tenant limit used when no override exists
func WithDefaultLimit(limit int64) LimiterOption {
	return func(l *ConcurrencyLimiter) {
		l.defaultLimit = limit
	}
}

// WithTenantLimit sets a tenant-specific limit override
func WithTenantLimit(tenant string, limit int64) LimiterOption {
	return func(l *ConcurrencyLimiter) {
		l.limits[tenant] = limit
	}
}

// WithTenantLimits sets multiple tenant overrides at once
func WithTenantLimits(limits map[string]int64) LimiterOption {
	return func(l *ConcurrencyLimiter) {
		for tenant, limit := range limits {
			l.limits[tenant] = limit
		}
	}
}

// NewConcurrencyLimiter creates a new limiter
func NewConcurrencyLimiter(options ...LimiterOption) *ConcurrencyLimiter {
	l := &ConcurrencyLimiter{
		tenants:      make(map[string]*tenantBudget),
		limits:       make(map[string]int64),
		defaultLimit: 10,
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Limit resolves the effective limit for a tenant.
func (l *ConcurrencyLimiter) Limit(tenant string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked(tenant)
}

func (l *ConcurrencyLimiter) limitLocked(tenant string) int64 {
	if limit, ok := l.limits[tenant]; ok {
		return limit
	}
	return l.defaultLimit
}

// Acquire claims a slot for tenant or returns a *ConcurrencyError when the
// budget is full. The returned release function must be called when the
// execution finishes, on every exit path.
func (l *ConcurrencyLimiter) Acquire(tenant string) (ReleaseFunc, error) {
	l.mu.Lock()

	budget, ok := l.tenants[tenant]
	if !ok {
		limit := l.limitLocked(tenant)
		budget = &tenantBudget{
			sem:   semaphore.NewWeighted(limit),
			limit: limit,
		}
		l.tenants[tenant] = budget
	}

	if !budget.sem.TryAcquire(1) {
		active, limit := budget.active, budget.limit
		l.mu.Unlock()
		return nil, &ConcurrencyError{Tenant: tenant, Active: active, Limit: limit}
	}
	budget.active++
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()

			budget.sem.Release(1)
			budget.active--
			if budget.active == 0 {
				delete(l.tenants, tenant)
			}
		})
	}

	return release, nil
}

// Active returns the number of in-flight executions for tenant.
func (l *ConcurrencyLimiter) Active(tenant string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if budget, ok := l.tenants[tenant]; ok {
		return budget.active
	}
	return 0
}

// GetStats returns {tenant: {active, limit}} for every tenant with in-flight work.
func (l *ConcurrencyLimiter) GetStats() map[string]TenantStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := make(map[string]TenantStats, len(l.tenants))
	for tenant, budget := range l.tenants {
		stats[tenant] = TenantStats{Active: budget.active, Limit: budget.limit}
	}
	return stats
}
