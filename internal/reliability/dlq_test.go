package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("AddMessage persists an entry with ttl expiry", func(t *testing.T) {
		clock := newFakeClock()
		q := NewDeadLetterQueue(NewInMemoryStore(),
			WithDLQTTL(time.Hour),
			WithDLQClock(clock.Now),
		)

		id, err := q.AddMessage(ctx, "t1", "invoice.sync",
			map[string]any{"invoiceId": "inv-1"}, "engine timeout", "timeout")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		entries, err := q.GetMessages(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, id, entries[0].ID)
		assert.Equal(t, "invoice.sync", entries[0].WorkflowName)
		assert.Equal(t, "engine timeout", entries[0].ErrorMessage)
		assert.Equal(t, "timeout", entries[0].ErrorCode)
		assert.Equal(t, "inv-1", entries[0].Payload["invoiceId"])
		assert.Equal(t, clock.Now().Add(time.Hour), entries[0].ExpiresAt)
	})

	t.Run("GetMessages orders newest first and honors the limit", func(t *testing.T) {
		clock := newFakeClock()
		q := NewDeadLetterQueue(NewInMemoryStore(), WithDLQClock(clock.Now))

		var ids []string
		for i := 0; i < 3; i++ {
			id, err := q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
			require.NoError(t, err)
			ids = append(ids, id)
			clock.Advance(time.Minute)
		}

		entries, err := q.GetMessages(ctx, "", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ids[2], entries[0].ID)
		assert.Equal(t, ids[1], entries[1].ID)
	})

	t.Run("GetMessages filters by tenant", func(t *testing.T) {
		q := NewDeadLetterQueue(NewInMemoryStore())

		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		q.AddMessage(ctx, "t2", "wf", nil, "boom", "")

		entries, err := q.GetMessages(ctx, "t2", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "t2", entries[0].TenantID)
	})

	t.Run("expired entries never surface from GetMessages", func(t *testing.T) {
		clock := newFakeClock()
		q := NewDeadLetterQueue(NewInMemoryStore(),
			WithDLQTTL(time.Minute),
			WithDLQClock(clock.Now),
		)

		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		clock.Advance(2 * time.Minute)

		entries, err := q.GetMessages(ctx, "t1", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unswept expired entries do not shorten a limited page", func(t *testing.T) {
		clock := newFakeClock()
		store := NewInMemoryStore()
		q := NewDeadLetterQueue(store, WithDLQClock(clock.Now))

		now := clock.Now()
		// Two live entries, then a newer entry whose ttl already elapsed.
		// The limit must be applied after expiry filtering, so the page
		// still holds two live entries.
		for i, id := range []string{"live-old", "live-new"} {
			require.NoError(t, store.Insert(ctx, Entry{
				ID:        id,
				TenantID:  "t1",
				CreatedAt: now.Add(time.Duration(i) * time.Minute),
				ExpiresAt: now.Add(time.Hour),
			}))
		}
		require.NoError(t, store.Insert(ctx, Entry{
			ID:        "stale",
			TenantID:  "t1",
			CreatedAt: now.Add(5 * time.Minute),
			ExpiresAt: now.Add(-time.Minute),
		}))

		entries, err := q.GetMessages(ctx, "t1", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "live-new", entries[0].ID)
		assert.Equal(t, "live-old", entries[1].ID)
	})

	t.Run("CleanupExpired removes expired entries and is idempotent", func(t *testing.T) {
		clock := newFakeClock()
		q := NewDeadLetterQueue(NewInMemoryStore(),
			WithDLQTTL(time.Minute),
			WithDLQClock(clock.Now),
		)

		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		q.AddMessage(ctx, "t2", "wf", nil, "boom", "")
		clock.Advance(2 * time.Minute)
		q.AddMessage(ctx, "t3", "wf", nil, "boom", "")

		removed, err := q.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		removed, err = q.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		entries, err := q.GetMessages(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "t3", entries[0].TenantID)
	})

	t.Run("RetryMessage increments the retry count", func(t *testing.T) {
		q := NewDeadLetterQueue(NewInMemoryStore())

		id, err := q.AddMessage(ctx, "t1", "wf",
			map[string]any{"k": "v"}, "boom", "")
		require.NoError(t, err)

		entry, err := q.RetryMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, entry.RetryCount)
		assert.Equal(t, "v", entry.Payload["k"])

		entry, err = q.RetryMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, entry.RetryCount)
	})

	t.Run("RetryMessage fails for unknown and expired ids", func(t *testing.T) {
		clock := newFakeClock()
		q := NewDeadLetterQueue(NewInMemoryStore(),
			WithDLQTTL(time.Minute),
			WithDLQClock(clock.Now),
		)

		_, err := q.RetryMessage(ctx, "missing")
		assert.ErrorIs(t, err, ErrEntryNotFound)

		id, err := q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		_, err = q.RetryMessage(ctx, id)
		assert.ErrorIs(t, err, ErrEntryExpired)
	})

	t.Run("DeleteMessage hard-deletes", func(t *testing.T) {
		q := NewDeadLetterQueue(NewInMemoryStore())

		id, err := q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		require.NoError(t, err)

		require.NoError(t, q.DeleteMessage(ctx, id))
		assert.ErrorIs(t, q.DeleteMessage(ctx, id), ErrEntryNotFound)

		entries, err := q.GetMessages(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("GetStats counts per tenant", func(t *testing.T) {
		q := NewDeadLetterQueue(NewInMemoryStore())

		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		q.AddMessage(ctx, "t2", "wf", nil, "boom", "")

		stats, err := q.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.ByTenant["t1"])
		assert.Equal(t, 1, stats.ByTenant["t2"])
	})

	t.Run("store failures surface as persistence errors", func(t *testing.T) {
		q := NewDeadLetterQueue(&failingStore{})

		_, err := q.AddMessage(ctx, "t1", "wf", nil, "boom", "")
		var perr *PersistenceError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, "dlq insert", perr.Op)
	})

	t.Run("sweeper removes expired entries in the background", func(t *testing.T) {
		q := NewDeadLetterQueue(NewInMemoryStore(), WithDLQTTL(-time.Second))

		q.AddMessage(ctx, "t1", "wf", nil, "boom", "")

		sweepCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		q.StartSweeper(sweepCtx, 5*time.Millisecond)

		assert.Eventually(t, func() bool {
			stats, err := q.GetStats(ctx)
			return err == nil && stats.Total == 0
		}, time.Second, 10*time.Millisecond)
	})
}

// failingStore errors on every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (s *failingStore) Insert(ctx context.Context, entry Entry) error      { return errStoreDown }
func (s *failingStore) Get(ctx context.Context, id string) (*Entry, error) { return nil, errStoreDown }
func (s *failingStore) List(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return nil, errStoreDown
}
func (s *failingStore) Update(ctx context.Context, entry Entry) error { return errStoreDown }
func (s *failingStore) Delete(ctx context.Context, id string) error   { return errStoreDown }
func (s *failingStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, errStoreDown
}
func (s *failingStore) Count(ctx context.Context) (int, map[string]int, error) {
	return 0, nil, errStoreDown
}
