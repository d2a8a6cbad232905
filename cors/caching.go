package cors

import (
	"context"
	"time"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/cache"
	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/security"
)

// DefaultCacheTTL is used when NewCachingPolicy gets a non-positive TTL.
const DefaultCacheTTL = 15 * time.Minute

// CachingPolicy caches the decisions of an inner Policy, negative ones
// included, so that scraping with random origins costs one store lookup per
// origin and path per TTL. Store errors are not cached.
type CachingPolicy struct {
	inner   Policy
	cache   *cache.Cache[bool]
	ttl     time.Duration
	metrics *instrumentation.Metrics
}

var _ Policy = (*CachingPolicy)(nil)

// NewCachingPolicy wraps inner.
func NewCachingPolicy(inner Policy, ttl time.Duration, maxEntries int) *CachingPolicy {
	return NewCachingPolicyWithClock(inner, ttl, maxEntries, nil)
}

// NewCachingPolicyWithClock is NewCachingPolicy with an explicit clock.
func NewCachingPolicyWithClock(inner Policy, ttl time.Duration, maxEntries int, clock security.Clock) *CachingPolicy {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingPolicy{
		inner: inner,
		cache: cache.New[bool](maxEntries, clock),
		ttl:   ttl,
	}
}

// SetMetrics enables cache hit/miss metrics.
func (c *CachingPolicy) SetMetrics(m *instrumentation.Metrics) {
	c.metrics = m
}

// IsOriginAllowed implements Policy.
func (c *CachingPolicy) IsOriginAllowed(ctx context.Context, origin, path string) (bool, error) {
	normalized := util.NormalizeOrigin(origin)
	if normalized == "" {
		return false, nil
	}

	key := normalized + " " + normalizePath(path)
	allowed, hit, err := c.cache.GetOrLoad(ctx, key, func(ctx context.Context) (bool, time.Duration, error) {
		ok, err := c.inner.IsOriginAllowed(ctx, origin, path)
		return ok, c.ttl, err
	})
	c.metrics.RecordCORSCache(ctx, hit)
	return allowed, err
}
