package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LedgerEntry records the last externally-processed event for one tenant.
// At most one row exists per tenant; writes are upserts.
type LedgerEntry struct {
	TenantID             string    `json:"tenantId"`
	LastProcessedEventID string    `json:"lastProcessedEventId"`
	LastProcessedAt      time.Time `json:"lastProcessedAt"`
}

// Ledger is the durable contract the guard reads and writes through.
type Ledger interface {
	Get(ctx context.Context, tenantID string) (*LedgerEntry, error)
	Upsert(ctx context.Context, entry LedgerEntry) error
}

// ReplayGuard rejects duplicate delivery of external events. It keeps a
// single last-event slot per tenant: enough to stop immediate retries and
// duplicate webhook delivery, not a defense against out-of-order replay of
// arbitrary historical events.
type ReplayGuard struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

// ReplayOption configures the guard
type ReplayOption func(*ReplayGuard)

// WithReplayLogger sets the logger
func WithReplayLogger(logger *slog.Logger) ReplayOption {
	return func(g *ReplayGuard) {
		g.logger = logger
	}
}

// WithReplayClock overrides the time source, for tests
func WithReplayClock(now func() time.Time) ReplayOption {
	return func(g *ReplayGuard) {
		g.now = now
	}
}

// NewReplayGuard creates a guard over the given ledger.
func NewReplayGuard(ledger Ledger, options ...ReplayOption) *ReplayGuard {
	g := &ReplayGuard{
		ledger: ledger,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// IsEventProcessed reports whether eventID matches the tenant's last
// processed event.
func (g *ReplayGuard) IsEventProcessed(ctx context.Context, tenantID, eventID string) (bool, error) {
	entry, err := g.ledger.Get(ctx, tenantID)
	if err != nil {
		return false, &PersistenceError{Op: "ledger get", Tenant: tenantID, Err: err}
	}
	if entry == nil {
		return false, nil
	}
	return entry.LastProcessedEventID == eventID, nil
}

// MarkEventProcessed upserts the tenant's ledger row.
func (g *ReplayGuard) MarkEventProcessed(ctx context.Context, tenantID, eventID string) error {
	entry := LedgerEntry{
		TenantID:             tenantID,
		LastProcessedEventID: eventID,
		LastProcessedAt:      g.now(),
	}
	if err := g.ledger.Upsert(ctx, entry); err != nil {
		return &PersistenceError{Op: "ledger upsert", Tenant: tenantID, Err: err}
	}
	return nil
}

// LastProcessedEvent returns the tenant's last processed event id, or ""
// when nothing has been recorded.
func (g *ReplayGuard) LastProcessedEvent(ctx context.Context, tenantID string) (string, error) {
	entry, err := g.ledger.Get(ctx, tenantID)
	if err != nil {
		return "", &PersistenceError{Op: "ledger get", Tenant: tenantID, Err: err}
	}
	if entry == nil {
		return "", nil
	}
	return entry.LastProcessedEventID, nil
}

// InMemoryLedger provides an in-memory Ledger for tests and single-process use.
type InMemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]LedgerEntry
}

// NewInMemoryLedger creates a new in-memory ledger
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		entries: make(map[string]LedgerEntry),
	}
}

// Get implements Ledger
func (l *InMemoryLedger) Get(ctx context.Context, tenantID string) (*LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[tenantID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Upsert implements Ledger
func (l *InMemoryLedger) Upsert(ctx context.Context, entry LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.TenantID] = entry
	return nil
}
