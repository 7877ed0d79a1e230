package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/cardea-io/cardea/mock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock stands in for the cache's time source so expiry behavior can be
// tested without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}

func TestCacheOptions(t *testing.T) {
	t.Run("SetsDefaults", func(t *testing.T) {
		opts := NewCacheOptions()
		require.NoError(t, opts.Validate())
		assert.Equal(t, time.Minute, *opts.SafetyMargin)
		assert.Equal(t, 30*time.Second, *opts.GraceWindow)
		assert.Equal(t, 15*time.Second, *opts.RenewInterval)
		assert.Equal(t, 5*time.Minute, *opts.DefaultTTL)
	})
	t.Run("FailsWithNonPositiveSafetyMargin", func(t *testing.T) {
		assert.Error(t, NewCacheOptions().SetSafetyMargin(-time.Second).Validate())
	})
	t.Run("FailsWithNegativeGraceWindow", func(t *testing.T) {
		assert.Error(t, NewCacheOptions().SetGraceWindow(-time.Second).Validate())
	})
	t.Run("FailsWithNonPositiveRenewInterval", func(t *testing.T) {
		assert.Error(t, NewCacheOptions().SetRenewInterval(0).Validate())
	})
}

func TestCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const key = "kv/data/app/db"

	setup := func(t *testing.T, opts *CacheOptions) (*mock.SecretBroker, *Cache, *fakeClock) {
		mock.ResetGlobalSecretStore()
		t.Cleanup(mock.ResetGlobalSecretStore)
		mock.PutSecret(key, map[string]string{"password": "hunter2"}, 10*time.Minute)

		broker := &mock.SecretBroker{}
		c, err := NewCache(broker, *opts)
		require.NoError(t, err)
		t.Cleanup(func() { assert.NoError(t, c.Close(ctx)) })

		clock := newFakeClock()
		c.now = clock.now
		return broker, c, clock
	}

	t.Run("FailsWithMissingBroker", func(t *testing.T) {
		_, err := NewCache(nil, *NewCacheOptions())
		assert.Error(t, err)
	})

	t.Run("GetServesFreshMaterialFromCache", func(t *testing.T) {
		broker, c, _ := setup(t, NewCacheOptions())

		m, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", m.Data["password"])

		again, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, m, again)
		assert.Equal(t, 1, broker.FetchCalls)
	})

	t.Run("GetRefreshesInsideSafetyMargin", func(t *testing.T) {
		broker, c, clock := setup(t, NewCacheOptions().SetSafetyMargin(time.Minute))

		_, err := c.Get(ctx, key)
		require.NoError(t, err)

		// 10m lease, 1m margin: 9m30s in, the lease is too close to expiry
		// to serve.
		clock.advance(9*time.Minute + 30*time.Second)
		_, err = c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, broker.FetchCalls)
	})

	t.Run("GetNeverServesExpiredMaterialWhenBrokerFails", func(t *testing.T) {
		broker, c, clock := setup(t, NewCacheOptions().SetGraceWindow(30*time.Second))

		_, err := c.Get(ctx, key)
		require.NoError(t, err)

		broker.FetchError = errors.New("broker unreachable")
		clock.advance(11 * time.Minute)

		m, err := c.Get(ctx, key)
		assert.Error(t, err)
		assert.ErrorIs(t, err, cardea.ErrSecretUnavailable)
		assert.Zero(t, m)
	})

	t.Run("GetServesStaleMaterialWithinGraceWindow", func(t *testing.T) {
		broker, c, clock := setup(t, NewCacheOptions().SetGraceWindow(time.Minute))

		m, err := c.Get(ctx, key)
		require.NoError(t, err)

		broker.FetchError = errors.New("broker unreachable")
		clock.advance(10*time.Minute + 30*time.Second)

		stale, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, m, stale)

		clock.advance(time.Minute)
		_, err = c.Get(ctx, key)
		assert.ErrorIs(t, err, cardea.ErrSecretUnavailable)
	})

	t.Run("GetRecoversAfterBrokerReturns", func(t *testing.T) {
		broker, c, clock := setup(t, NewCacheOptions())

		_, err := c.Get(ctx, key)
		require.NoError(t, err)

		broker.FetchError = errors.New("broker unreachable")
		clock.advance(12 * time.Minute)
		_, err = c.Get(ctx, key)
		require.ErrorIs(t, err, cardea.ErrSecretUnavailable)

		broker.FetchError = nil
		m, err := c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "hunter2", m.Data["password"])
	})

	t.Run("GetFailsFastOnAuthenticationFailure", func(t *testing.T) {
		broker, c, _ := setup(t, NewCacheOptions())
		broker.AuthenticateError = errors.New("role id rejected")

		_, err := c.Get(ctx, key)
		assert.Error(t, err)
		assert.True(t, cardea.IsAuthError(err))
		assert.NotErrorIs(t, err, cardea.ErrSecretUnavailable)
	})

	t.Run("GetCoalescesConcurrentRefreshes", func(t *testing.T) {
		broker, c, _ := setup(t, NewCacheOptions())
		broker.FetchDelay = 50 * time.Millisecond

		const callers = 20
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, err := c.Get(ctx, key)
				assert.NoError(t, err)
				assert.NotZero(t, m)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, broker.FetchCalls, 2)
	})

	t.Run("ExpiryReplacementZeroizesOnlyCachedMaterial", func(t *testing.T) {
		broker, c, clock := setup(t, NewCacheOptions())

		m, err := c.Get(ctx, key)
		require.NoError(t, err)

		c.mu.RLock()
		cached := c.leases[key].material
		c.mu.RUnlock()

		clock.advance(11 * time.Minute)
		_, err = c.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, broker.FetchCalls)
		assert.Nil(t, cached.Data)
		assert.Equal(t, "hunter2", m.Data["password"])
	})

	t.Run("CloseZeroizesOnlyCachedMaterial", func(t *testing.T) {
		_, c, _ := setup(t, NewCacheOptions())

		m, err := c.Get(ctx, key)
		require.NoError(t, err)

		c.mu.RLock()
		cached := c.leases[key].material
		c.mu.RUnlock()

		require.NoError(t, c.Close(ctx))
		assert.Nil(t, cached.Data)
		assert.Equal(t, "hunter2", m.Data["password"])

		assert.NoError(t, c.Close(ctx))
	})

	t.Run("HandedOutMaterialSurvivesConcurrentDisplacement", func(t *testing.T) {
		_, c, clock := setup(t, NewCacheOptions())

		m, err := c.Get(ctx, key)
		require.NoError(t, err)

		done := make(chan struct{})
		var holder sync.WaitGroup
		holder.Add(1)
		go func() {
			defer holder.Done()
			for {
				select {
				case <-done:
					return
				default:
					assert.Equal(t, "hunter2", m.Data["password"])
				}
			}
		}()

		for i := 0; i < 25; i++ {
			clock.advance(11 * time.Minute)
			_, err := c.Get(ctx, key)
			require.NoError(t, err)
		}

		close(done)
		holder.Wait()
		assert.Equal(t, "hunter2", m.Data["password"])
	})

	t.Run("RenewalLoopRefreshesProactively", func(t *testing.T) {
		mock.ResetGlobalSecretStore()
		defer mock.ResetGlobalSecretStore()
		mock.PutSecret(key, map[string]string{"password": "hunter2"}, 100*time.Millisecond)

		broker := &mock.SecretBroker{}
		c, err := NewCache(broker, *NewCacheOptions().SetRenewInterval(10 * time.Millisecond).SetSafetyMargin(time.Minute))
		require.NoError(t, err)
		defer func() { assert.NoError(t, c.Close(ctx)) }()

		_, err = c.Get(ctx, key)
		require.NoError(t, err)

		c.Start(ctx)
		assert.Eventually(t, func() bool {
			return broker.FetchCallCount() > 1
		}, time.Second, 10*time.Millisecond)
	})
}
