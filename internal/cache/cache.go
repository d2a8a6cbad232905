// Package cache provides the bounded TTL cache behind the caching decorators
// (CORS policy, token validation). Entries are immutable once written and
// concurrent misses for the same key are collapsed into one load.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-provider/security"
)

const (
	// DefaultMaxEntries bounds the number of cached keys.
	DefaultMaxEntries = 10000
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
	cachedAt  time.Time
}

// Cache is a TTL cache with bounded size. Writes replace the whole entry;
// readers never observe a partially updated value.
type Cache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]*entry[V]
	maxEntries int
	clock      security.Clock
	group      singleflight.Group
}

// New creates a cache. maxEntries <= 0 uses DefaultMaxEntries; a nil clock
// uses the system clock.
func New[V any](maxEntries int, clock security.Clock) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[V]{
		entries:    make(map[string]*entry[V]),
		maxEntries: maxEntries,
		clock:      security.ClockOrDefault(clock),
	}
}

// Get returns the cached value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl is a no-op.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &entry[V]{value: value, expiresAt: now.Add(ttl), cachedAt: now}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every key starting with prefix.
func (c *Cache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// LoadFunc produces a value and the TTL it may be cached for. A zero TTL
// means the result must not be cached.
type LoadFunc[V any] func(ctx context.Context) (V, time.Duration, error)

// GetOrLoad returns the cached value for key, or calls load exactly once for
// all concurrent callers missing the same key. The boolean reports a cache hit.
// Errors are never cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, ttl, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, _ := res.(V)
	return v, false, nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLocked drops expired entries, and if none were expired, the oldest
// one. Caller must hold the write lock.
//
// This is O(n); at the default size that is cheap compared to a store round trip.
func (c *Cache[V]) evictLocked(now time.Time) {
	removed := 0
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
			continue
		}
		if oldestKey == "" || e.cachedAt.Before(oldest) {
			oldestKey, oldest = k, e.cachedAt
		}
	}
	if removed == 0 && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
