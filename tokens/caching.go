package tokens

import (
	"context"
	"time"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/internal/cache"
	"github.com/giantswarm/oauth-provider/security"
)

// CachingValidator caches successful access token validations, keyed by a
// hash of the token. Failures are never cached, so a token that becomes
// valid (or a transient store error) is re-evaluated on the next call.
//
// A cached result outlives revocation by at most the cache TTL unless the
// revoking code calls Evict.
type CachingValidator struct {
	inner   TokenValidator
	cache   *cache.Cache[*ValidationResult]
	ttl     time.Duration
	clock   security.Clock
	metrics *instrumentation.Metrics
}

var _ TokenValidator = (*CachingValidator)(nil)

// NewCachingValidator wraps inner. Entries live for ttl, or until the token
// expires if that is sooner.
func NewCachingValidator(inner TokenValidator, ttl time.Duration, maxEntries int, clock security.Clock) *CachingValidator {
	clock = security.ClockOrDefault(clock)
	return &CachingValidator{
		inner: inner,
		cache: cache.New[*ValidationResult](maxEntries, clock),
		ttl:   ttl,
		clock: clock,
	}
}

// SetMetrics enables cache hit/miss metrics.
func (c *CachingValidator) SetMetrics(m *instrumentation.Metrics) {
	c.metrics = m
}

// ValidateAccessToken implements TokenValidator.
func (c *CachingValidator) ValidateAccessToken(ctx context.Context, token, expectedScope string) (*ValidationResult, error) {
	key := cacheKey(token) + "|" + expectedScope
	result, hit, err := c.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*ValidationResult, time.Duration, error) {
		r, err := c.inner.ValidateAccessToken(ctx, token, expectedScope)
		if err != nil {
			return nil, 0, err
		}
		return r, c.ttlFor(r), nil
	})
	c.metrics.RecordTokenValidationCache(ctx, hit)
	return result, err
}

// ValidateIdentityToken is not cached.
func (c *CachingValidator) ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*ValidationResult, error) {
	return c.inner.ValidateIdentityToken(ctx, token, clientID, validateLifetime)
}

// Evict drops every cached result for token.
func (c *CachingValidator) Evict(token string) {
	c.cache.DeletePrefix(cacheKey(token) + "|")
}

func (c *CachingValidator) ttlFor(r *ValidationResult) time.Duration {
	ttl := c.ttl
	if exp := r.ExpiresAt(); !exp.IsZero() {
		if remaining := exp.Sub(c.clock.Now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func cacheKey(token string) string {
	return security.Sha256Base64(token)
}
