package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing is processed for an unknown tenant", func(t *testing.T) {
		g := NewReplayGuard(NewInMemoryLedger())

		processed, err := g.IsEventProcessed(ctx, "t1", "evt-1")
		require.NoError(t, err)
		assert.False(t, processed)

		last, err := g.LastProcessedEvent(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, last)
	})

	t.Run("marking an event makes it a duplicate", func(t *testing.T) {
		g := NewReplayGuard(NewInMemoryLedger())

		require.NoError(t, g.MarkEventProcessed(ctx, "t1", "evt-1"))

		processed, err := g.IsEventProcessed(ctx, "t1", "evt-1")
		require.NoError(t, err)
		assert.True(t, processed)

		last, err := g.LastProcessedEvent(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "evt-1", last)
	})

	t.Run("only the latest event occupies the slot", func(t *testing.T) {
		g := NewReplayGuard(NewInMemoryLedger())

		require.NoError(t, g.MarkEventProcessed(ctx, "t1", "evt-1"))
		require.NoError(t, g.MarkEventProcessed(ctx, "t1", "evt-2"))

		// Single-slot ledger: evt-1 is no longer remembered.
		processed, err := g.IsEventProcessed(ctx, "t1", "evt-1")
		require.NoError(t, err)
		assert.False(t, processed)

		processed, err = g.IsEventProcessed(ctx, "t1", "evt-2")
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("tenants have independent slots", func(t *testing.T) {
		g := NewReplayGuard(NewInMemoryLedger())

		require.NoError(t, g.MarkEventProcessed(ctx, "t1", "evt-1"))

		processed, err := g.IsEventProcessed(ctx, "t2", "evt-1")
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("records the processing time", func(t *testing.T) {
		clock := newFakeClock()
		ledger := NewInMemoryLedger()
		g := NewReplayGuard(ledger, WithReplayClock(clock.Now))

		require.NoError(t, g.MarkEventProcessed(ctx, "t1", "evt-1"))

		entry, err := ledger.Get(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, clock.Now(), entry.LastProcessedAt)
	})

	t.Run("ledger failures surface as persistence errors", func(t *testing.T) {
		g := NewReplayGuard(&failingLedger{})

		_, err := g.IsEventProcessed(ctx, "t1", "evt-1")
		var perr *PersistenceError
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, "ledger get", perr.Op)

		err = g.MarkEventProcessed(ctx, "t1", "evt-1")
		assert.ErrorAs(t, err, &perr)
		assert.Equal(t, "ledger upsert", perr.Op)
	})
}

// failingLedger errors on every operation.
type failingLedger struct{}

var errLedgerDown = errors.New("ledger down")

func (l *failingLedger) Get(ctx context.Context, tenantID string) (*LedgerEntry, error) {
	return nil, errLedgerDown
}

func (l *failingLedger) Upsert(ctx context.Context, entry LedgerEntry) error {
	return errLedgerDown
}

func TestLedgerEntryUpsertSemantics(t *testing.T) {
	ctx := context.Background()
	ledger := NewInMemoryLedger()

	require.NoError(t, ledger.Upsert(ctx, LedgerEntry{TenantID: "t1", LastProcessedEventID: "a", LastProcessedAt: time.Now()}))
	require.NoError(t, ledger.Upsert(ctx, LedgerEntry{TenantID: "t1", LastProcessedEventID: "b", LastProcessedAt: time.Now()}))

	entry, err := ledger.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "b", entry.LastProcessedEventID)
}
