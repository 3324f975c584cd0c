package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a durable record of a workflow execution that failed all retry
// attempts. Payload is opaque to the queue; its shape is defined by the
// workflow that produced it.
type Entry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	WorkflowName string         `json:"workflowName"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"errorMessage"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	RetryCount   int            `json:"retryCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
}

// Expired reports whether the entry's time-to-live has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// EntryFilter narrows List results. When LiveAt is non-zero, stores must
// exclude entries expired at that instant before applying Limit, so a
// limited page is not shortened by unswept expired rows.
type EntryFilter struct {
	TenantID string
	LiveAt   time.Time
	Limit    int
}

// Store is the narrow durable contract the queue persists through.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter EntryFilter) ([]Entry, error)
	Update(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, map[string]int, error)
}

// DeadLetterQueue preserves terminally failed work items for manual
// inspection and replay instead of dropping them.
type DeadLetterQueue struct {
	store  Store
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

// DLQOption configures the queue
type DLQOption func(*DeadLetterQueue)

// WithDLQLogger sets the logger
func WithDLQLogger(logger *slog.Logger) DLQOption {
	return func(q *DeadLetterQueue) {
		q.logger = logger
	}
}

// WithDLQTTL sets how long entries are retained
func WithDLQTTL(ttl time.Duration) DLQOption {
	return func(q *DeadLetterQueue) {
		q.ttl = ttl
	}
}

// WithDLQClock overrides the time source, for tests
func WithDLQClock(now func() time.Time) DLQOption {
	return func(q *DeadLetterQueue) {
		q.now = now
	}
}

// NewDeadLetterQueue creates a queue over the given store.
func NewDeadLetterQueue(store Store, options ...DLQOption) *DeadLetterQueue {
	q := &DeadLetterQueue{
		store:  store,
		logger: slog.Default(),
		ttl:    7 * 24 * time.Hour,
		now:    time.Now,
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// AddMessage persists a new entry and returns its generated id.
func (q *DeadLetterQueue) AddMessage(ctx context.Context, tenantID, workflowName string, payload map[string]any, errorMessage, errorCode string) (string, error) {
	now := q.now()
	entry := Entry{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		WorkflowName: workflowName,
		Payload:      payload,
		ErrorMessage: errorMessage,
		ErrorCode:    errorCode,
		CreatedAt:    now,
		ExpiresAt:    now.Add(q.ttl),
	}

	if err := q.store.Insert(ctx, entry); err != nil {
		return "", &PersistenceError{Op: "dlq insert", Tenant: tenantID, Err: err}
	}

	q.logger.Info("dead letter recorded",
		"entryId", entry.ID,
		"tenant", tenantID,
		"workflow", workflowName,
		"error", errorMessage,
	)

	return entry.ID, nil
}

// GetMessages returns entries newest-first, optionally filtered by tenant.
// Expired entries are filtered out even if the sweeper has not removed them yet.
func (q *DeadLetterQueue) GetMessages(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	now := q.now()
	entries, err := q.store.List(ctx, EntryFilter{TenantID: tenantID, LiveAt: now, Limit: limit})
	if err != nil {
		return nil, &PersistenceError{Op: "dlq list", Tenant: tenantID, Err: err}
	}

	live := entries[:0]
	for _, entry := range entries {
		if !entry.Expired(now) {
			live = append(live, entry)
		}
	}
	return live, nil
}

// RetryMessage increments the entry's retry count and returns it so the
// caller can re-drive the original workflow. The queue only tracks state;
// re-invocation is the caller's responsibility.
func (q *DeadLetterQueue) RetryMessage(ctx context.Context, id string) (*Entry, error) {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "dlq get", Err: err}
	}
	if entry.Expired(q.now()) {
		return nil, fmt.Errorf("%w: %s", ErrEntryExpired, id)
	}

	entry.RetryCount++
	if err := q.store.Update(ctx, *entry); err != nil {
		return nil, &PersistenceError{Op: "dlq update", Tenant: entry.TenantID, Err: err}
	}

	q.logger.Info("dead letter marked for retry",
		"entryId", id,
		"tenant", entry.TenantID,
		"workflow", entry.WorkflowName,
		"retryCount", entry.RetryCount,
	)

	return entry, nil
}

// DeleteMessage hard-deletes an entry.
func (q *DeadLetterQueue) DeleteMessage(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return err
		}
		return &PersistenceError{Op: "dlq delete", Err: err}
	}
	return nil
}

// CleanupExpired deletes all entries past their expiry and returns how many
// were removed. Safe to call concurrently and repeatedly.
func (q *DeadLetterQueue) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := q.store.DeleteExpired(ctx, q.now())
	if err != nil {
		return 0, &PersistenceError{Op: "dlq cleanup", Err: err}
	}

	if removed > 0 {
		q.logger.Info("expired dead letters removed", "count", removed)
	}
	return removed, nil
}

// GetStats returns total entry count and a per-tenant breakdown.
func (q *DeadLetterQueue) GetStats(ctx context.Context) (DLQStats, error) {
	total, byTenant, err := q.store.Count(ctx)
	if err != nil {
		return DLQStats{}, &PersistenceError{Op: "dlq count", Err: err}
	}
	return DLQStats{Total: total, ByTenant: byTenant}, nil
}

// StartSweeper runs CleanupExpired on a ticker until ctx is cancelled.
func (q *DeadLetterQueue) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.CleanupExpired(ctx); err != nil {
					q.logger.Error("dead letter sweep failed", "error", err)
				}
			}
		}
	}()
}

// DLQStats summarizes queue contents for observability.
type DLQStats struct {
	Total    int            `json:"total"`
	ByTenant map[string]int `json:"byTenant"`
}

// InMemoryStore provides a simple in-memory Store, used in tests and in
// deployments that accept losing dead letters on restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]Entry),
	}
}

// Insert implements Store
func (s *InMemoryStore) Insert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return nil
}

// Get implements Store
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return &entry, nil
}

// List implements Store
func (s *InMemoryStore) List(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if !filter.LiveAt.IsZero() && entry.Expired(filter.LiveAt) {
			continue
		}
		results = append(results, entry)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Update implements Store
func (s *InMemoryStore) Update(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	s.entries[entry.ID] = entry
	return nil
}

// Delete implements Store
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// DeleteExpired implements Store
func (s *InMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Count implements Store
func (s *InMemoryStore) Count(ctx context.Context) (int, map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTenant := make(map[string]int)
	for _, entry := range s.entries {
		byTenant[entry.TenantID]++
	}
	return len(s.entries), byTenant, nil
}
