// Package lease wraps a cardea.SecretBroker with in-memory, time-bounded
// caching and proactive renewal of secret material. Leases live only in
// process memory: they are zeroized on expiry replacement and on shutdown,
// and are never written to durable storage or logs.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// lease is one cached secret read and its expiry bookkeeping.
type lease struct {
	material   *cardea.Material
	obtainedAt time.Time
	expiresAt  time.Time
}

// Cache is an in-memory lease cache over a secret broker. It is an
// explicitly constructed, injected component: create it with NewCache, start
// its renewal loop with Start, and drain it with Close on shutdown. It is
// safe for concurrent use; concurrent refreshes of the same key are
// coalesced into a single broker call.
type Cache struct {
	broker cardea.SecretBroker
	opts   *CacheOptions

	mu     sync.RWMutex
	leases map[string]*lease

	group singleflight.Group

	closeOnce  sync.Once
	renewStop  chan struct{}
	renewDone  chan struct{}
	renewBegun bool

	// now is swappable for tests.
	now func() time.Time
}

// NewCache creates a lease cache over the given broker.
func NewCache(broker cardea.SecretBroker, opts CacheOptions) (*Cache, error) {
	if broker == nil {
		return nil, errors.New("missing broker")
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Cache{
		broker:    broker,
		opts:      &opts,
		leases:    map[string]*lease{},
		renewStop: make(chan struct{}),
		renewDone: make(chan struct{}),
		now:       time.Now,
	}, nil
}

// Get returns the material leased for the given key, which is the broker
// path of the secret. The returned material is the caller's own copy: the
// cache zeroizes only the copies it holds, so displacement by renewal or
// Close never mutates material already handed out. Fresh cached material is
// served directly; material inside its safety margin triggers a synchronous,
// coalesced refresh so callers never observe expired material. If the broker
// is unavailable, stale material is served only within the configured grace
// window past expiry; beyond it Get fails closed with
// cardea.ErrSecretUnavailable.
func (c *Cache) Get(ctx context.Context, key string) (*cardea.Material, error) {
	if m := c.freshSnapshot(key); m != nil {
		return m, nil
	}

	_, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have refreshed while this one waited on
		// the flight group.
		if m := c.freshSnapshot(key); m != nil {
			return nil, nil
		}
		return nil, c.refresh(ctx, key)
	})
	if err == nil {
		if m := c.snapshot(key); m != nil {
			return m, nil
		}
		return nil, errors.Wrapf(cardea.ErrSecretUnavailable, "lease for key '%s' evicted during refresh", key)
	}

	if cardea.IsAuthError(err) {
		return nil, err
	}

	// Broker failure: fall back to the stale lease if it is still inside
	// the grace window, otherwise fail closed.
	c.mu.RLock()
	var stale *cardea.Material
	if l, ok := c.leases[key]; ok && c.now().Before(l.expiresAt.Add(*c.opts.GraceWindow)) {
		stale = l.material.Copy()
	}
	c.mu.RUnlock()
	if stale != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "serving stale lease within grace window",
			"key":     key,
		}))
		return stale, nil
	}

	return nil, errors.Wrapf(cardea.ErrSecretUnavailable, "refreshing lease for key '%s': %s", key, err.Error())
}

// freshSnapshot returns a copy of the cached material for the key if the
// lease is outside its safety margin, or nil. The copy is made under the
// cache lock, so it can never observe a concurrent zeroize.
func (c *Cache) freshSnapshot(key string) *cardea.Material {
	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.leases[key]
	if !ok {
		return nil
	}
	if c.now().Before(l.expiresAt.Add(-*c.opts.SafetyMargin)) {
		return l.material.Copy()
	}
	return nil
}

// snapshot returns a copy of the cached material for the key regardless of
// freshness, or nil if the key is not cached.
func (c *Cache) snapshot(key string) *cardea.Material {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if l, ok := c.leases[key]; ok {
		return l.material.Copy()
	}
	return nil
}

// refresh fetches the key from the broker and replaces the cached lease,
// zeroizing the material it displaces. Displaced material is zeroized under
// the cache lock, so snapshots taken under the same lock stay intact.
func (c *Cache) refresh(ctx context.Context, key string) error {
	material, err := c.broker.Fetch(ctx, key, 0)
	if err != nil {
		return err
	}

	ttl := material.LeaseDuration
	if ttl <= 0 {
		ttl = *c.opts.DefaultTTL
	}

	obtained := c.now()
	next := &lease{
		material:   material,
		obtainedAt: obtained,
		expiresAt:  obtained.Add(ttl),
	}

	c.mu.Lock()
	prev := c.leases[key]
	c.leases[key] = next
	if prev != nil && prev.material != material {
		prev.material.Zeroize()
	}
	c.mu.Unlock()

	return nil
}

// Start launches the background renewal loop, which proactively refreshes
// any lease whose remaining lifetime has fallen below the safety margin so
// the synchronous Get path rarely blocks. It returns immediately; the loop
// runs until Close is called or the context is canceled.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.renewBegun {
		c.mu.Unlock()
		return
	}
	c.renewBegun = true
	c.mu.Unlock()

	go func() {
		defer close(c.renewDone)
		ticker := time.NewTicker(*c.opts.RenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.renewStop:
				return
			case <-ticker.C:
				c.renewExpiring(ctx)
			}
		}
	}()
}

// renewExpiring refreshes every lease inside its safety margin. Failures are
// logged and left for the synchronous path's grace-window handling; renewal
// never evicts material on its own.
func (c *Cache) renewExpiring(ctx context.Context) {
	c.mu.RLock()
	var expiring []string
	deadline := c.now()
	for key, l := range c.leases {
		if !deadline.Before(l.expiresAt.Add(-*c.opts.SafetyMargin)) {
			expiring = append(expiring, key)
		}
	}
	c.mu.RUnlock()

	for _, key := range expiring {
		key := key
		_, err, _ := c.group.Do(key, func() (any, error) {
			return nil, c.refresh(ctx, key)
		})
		grip.Warning(message.WrapError(err, message.Fields{
			"message": "renewing lease",
			"key":     key,
		}))
	}
}

// Close stops the renewal loop and zeroizes all cached material. It is
// idempotent.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.renewStop)

		c.mu.Lock()
		begun := c.renewBegun
		for key, l := range c.leases {
			l.material.Zeroize()
			delete(c.leases, key)
		}
		c.mu.Unlock()

		if begun {
			select {
			case <-c.renewDone:
			case <-ctx.Done():
			}
		}
	})
	return nil
}
