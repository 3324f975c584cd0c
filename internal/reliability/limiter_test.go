package reliability

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyLimiter(t *testing.T) {
	t.Run("admits up to the limit and rejects the rest", func(t *testing.T) {
		l := NewConcurrencyLimiter(WithDefaultLimit(2))

		release1, err := l.Acquire("t1")
		require.NoError(t, err)
		release2, err := l.Acquire("t1")
		require.NoError(t, err)

		_, err = l.Acquire("t1")
		assert.ErrorIs(t, err, ErrConcurrencyExceeded)
		var concErr *ConcurrencyError
		assert.ErrorAs(t, err, &concErr)
		assert.Equal(t, "t1", concErr.Tenant)
		assert.Equal(t, int64(2), concErr.Limit)

		// After either release a new acquire succeeds.
		release1()
		release3, err := l.Acquire("t1")
		assert.NoError(t, err)

		release2()
		release3()
	})

	t.Run("tenants do not starve each other", func(t *testing.T) {
		l := NewConcurrencyLimiter(WithDefaultLimit(1))

		release1, err := l.Acquire("t1")
		require.NoError(t, err)
		defer release1()

		_, err = l.Acquire("t1")
		assert.ErrorIs(t, err, ErrConcurrencyExceeded)

		release2, err := l.Acquire("t2")
		assert.NoError(t, err)
		release2()
	})

	t.Run("resolves tenant overrides over the default", func(t *testing.T) {
		l := NewConcurrencyLimiter(
			WithDefaultLimit(1),
			WithTenantLimit("big", 3),
		)

		assert.Equal(t, int64(3), l.Limit("big"))
		assert.Equal(t, int64(1), l.Limit("other"))

		var releases []ReleaseFunc
		for i := 0; i < 3; i++ {
			release, err := l.Acquire("big")
			require.NoError(t, err)
			releases = append(releases, release)
		}
		_, err := l.Acquire("big")
		assert.ErrorIs(t, err, ErrConcurrencyExceeded)

		for _, release := range releases {
			release()
		}
	})

	t.Run("release is idempotent", func(t *testing.T) {
		l := NewConcurrencyLimiter(WithDefaultLimit(2))

		release, err := l.Acquire("t1")
		require.NoError(t, err)

		release()
		release()
		release()

		assert.Equal(t, int64(0), l.Active("t1"))
	})

	t.Run("tracking entry is removed at zero", func(t *testing.T) {
		l := NewConcurrencyLimiter(WithDefaultLimit(2))

		release, err := l.Acquire("t1")
		require.NoError(t, err)
		assert.Contains(t, l.GetStats(), "t1")

		release()
		assert.NotContains(t, l.GetStats(), "t1")
	})

	t.Run("GetStats reports active and limit per tenant", func(t *testing.T) {
		l := NewConcurrencyLimiter(
			WithDefaultLimit(5),
			WithTenantLimits(map[string]int64{"t2": 2}),
		)

		release1, _ := l.Acquire("t1")
		release2, _ := l.Acquire("t2")
		release3, _ := l.Acquire("t2")
		defer release1()
		defer release2()
		defer release3()

		stats := l.GetStats()
		assert.Equal(t, TenantStats{Active: 1, Limit: 5}, stats["t1"])
		assert.Equal(t, TenantStats{Active: 2, Limit: 2}, stats["t2"])
	})

	t.Run("activeCount never exceeds the limit under contention", func(t *testing.T) {
		const limit = 4
		l := NewConcurrencyLimiter(WithDefaultLimit(limit))

		var wg sync.WaitGroup
		admitted := int32(0)

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.Acquire("t1")
				if err != nil {
					return
				}
				atomic.AddInt32(&admitted, 1)
				assert.LessOrEqual(t, l.Active("t1"), int64(limit))
				release()
			}()
		}

		wg.Wait()
		assert.True(t, atomic.LoadInt32(&admitted) > 0)
		assert.Equal(t, int64(0), l.Active("t1"))
	})
}
