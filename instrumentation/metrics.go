package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache lookup outcomes used as the "result" attribute.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics holds all metric instruments of the provider.
// Every Record helper is safe to call on a nil *Metrics.
type Metrics struct {
	// Token issuance and lifecycle
	TokenIssued  metric.Int64Counter
	TokenRevoked metric.Int64Counter

	// Validation pipeline
	ValidationFailed     metric.Int64Counter
	ClientAuthFailed     metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Security
	ReplayDetected    metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Device flow
	DevicePoll metric.Int64Counter

	// Caching decorators
	CORSCache            metric.Int64Counter
	TokenValidationCache metric.Int64Counter

	// Back-channel logout notifications
	BackChannelLogout metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageDeviceCodesCount  metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	tokensMeter := inst.Meter("tokens")
	validationMeter := inst.Meter("validation")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	counter := func(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}

	m.TokenIssued = counter(tokensMeter, "oauth.token.issued", "Number of tokens issued", "{token}")
	m.TokenRevoked = counter(tokensMeter, "oauth.token.revoked", "Number of tokens revoked", "{token}")
	m.TokenValidationCache = counter(tokensMeter, "oauth.token_validation.cache", "Token validation cache lookups", "{lookup}")
	m.ValidationFailed = counter(validationMeter, "oauth.validation.failed", "Number of rejected protocol requests", "{request}")
	m.ClientAuthFailed = counter(validationMeter, "oauth.client_auth.failed", "Number of failed client authentications", "{attempt}")
	m.PKCEValidationFailed = counter(validationMeter, "oauth.pkce.validation_failed", "Number of PKCE validation failures", "{failure}")
	m.DevicePoll = counter(validationMeter, "oauth.device.poll", "Device code polls by outcome", "{poll}")
	m.CORSCache = counter(validationMeter, "oauth.cors.cache", "CORS policy cache lookups", "{lookup}")
	m.ReplayDetected = counter(securityMeter, "oauth.replay.detected", "Reuse of one-time grants", "{attempt}")
	m.RateLimitExceeded = counter(securityMeter, "oauth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.BackChannelLogout = counter(securityMeter, "oauth.backchannel_logout", "Back-channel logout notifications by outcome", "{notification}")
	m.StorageOperationTotal = counter(storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}")
	if err != nil {
		return nil, err
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of persisted grants held by the store"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageDeviceCodesCount, err = storageMeter.Int64ObservableGauge(
		"storage.device_codes.count",
		metric.WithDescription("Number of pending device authorizations"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.device_codes.count gauge: %w", err)
	}

	return m, nil
}

// RecordTokenIssued records an issued token
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType, tokenType string) {
	if m == nil {
		return
	}
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordValidationFailed records a rejected request at an endpoint
func (m *Metrics) RecordValidationFailed(ctx context.Context, endpoint, errorCode string) {
	if m == nil {
		return
	}
	m.ValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("error", errorCode),
	))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordReplayDetected records reuse of an authorization code, refresh token,
// device code or client assertion.
func (m *Metrics) RecordReplayDetected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ReplayDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordDevicePoll records the outcome of a device code poll
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DevicePoll.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordCORSCache records a CORS cache lookup
func (m *Metrics) RecordCORSCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.CORSCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", cacheResult(hit))))
}

// RecordTokenValidationCache records a token validation cache lookup
func (m *Metrics) RecordTokenValidationCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	m.TokenValidationCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", cacheResult(hit))))
}

// RecordBackChannelLogout records the outcome of one logout notification
func (m *Metrics) RecordBackChannelLogout(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.BackChannelLogout.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

func cacheResult(hit bool) string {
	if hit {
		return CacheHit
	}
	return CacheMiss
}
