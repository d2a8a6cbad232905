package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxLimiterEntries bounds the number of keys a RateLimiter tracks.
const DefaultMaxLimiterEntries = 10000

// rateLimiterEntry tracks a limiter and its last access time
type rateLimiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket with LRU eviction so that memory stays
// bounded when keys are attacker controlled (user codes, client ids).
//
// Idle entries are evicted lazily on Allow; there is no background goroutine.
type RateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	idleTTL    time.Duration
	clock      Clock
	logger     *slog.Logger

	evictions int64
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// PerSecond is the sustained rate. May be fractional (0.1 = one every 10s).
	PerSecond float64

	// Burst is the bucket size.
	Burst int

	// MaxEntries bounds tracked keys. Default: 10,000.
	MaxEntries int

	// IdleTTL drops keys not seen for this long. Default: 30 minutes.
	IdleTTL time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxLimiterEntries
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Limit(cfg.PerSecond),
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		idleTTL:    cfg.IdleTTL,
		clock:      ClockOrDefault(cfg.Clock),
		logger:     cfg.Logger,
	}
}

// Allow reports whether one more event for key is permitted now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	rl.evictIdle(now)
	if len(rl.limiters) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	}
	rl.limiters[key] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictIdle drops entries from the tail that have been idle past idleTTL.
// Must be called with mu held.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for {
		elem := rl.lru.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.idleTTL {
			return
		}
		delete(rl.limiters, entry.key)
		rl.lru.Remove(elem)
	}
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.key)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.limiters))
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
