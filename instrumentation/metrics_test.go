package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

// counterValue sums all data points of an int64 counter that carry the given
// attribute, or all data points when attr is empty.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if attr.Key != "" {
					v, ok := dp.Attributes.Value(attr.Key)
					if !ok || v.Emit() != attr.Value.Emit() {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_RecordTokenIssued(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordTokenIssued(ctx, "client_credentials", "jwt")
	inst.Metrics().RecordTokenIssued(ctx, "client_credentials", "reference")
	inst.Metrics().RecordTokenIssued(ctx, "authorization_code", "jwt")

	assert.Equal(t, int64(3), counterValue(t, reader, "oauth.token.issued", attribute.KeyValue{}))
	assert.Equal(t, int64(2), counterValue(t, reader, "oauth.token.issued", attribute.String("grant_type", "client_credentials")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.token.issued", attribute.String("token_type", "reference")))
}

func TestMetrics_SecurityCounters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordReplayDetected(ctx, "refresh_token")
	m.RecordReplayDetected(ctx, "authorization_code")
	m.RecordClientAuthFailed(ctx, "client_secret_basic")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordRateLimitExceeded(ctx, "user_code")
	m.RecordValidationFailed(ctx, "token", "invalid_grant")

	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.replay.detected", attribute.String("kind", "refresh_token")))
	assert.Equal(t, int64(2), counterValue(t, reader, "oauth.replay.detected", attribute.KeyValue{}))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.client_auth.failed", attribute.String("method", "client_secret_basic")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.pkce.validation_failed", attribute.KeyValue{}))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.rate_limit.exceeded", attribute.String("limiter_type", "user_code")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.validation.failed", attribute.String("error", "invalid_grant")))
}

func TestMetrics_CacheAndDevice(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordCORSCache(ctx, true)
	m.RecordCORSCache(ctx, false)
	m.RecordCORSCache(ctx, true)
	m.RecordTokenValidationCache(ctx, false)
	m.RecordDevicePoll(ctx, "slow_down")
	m.RecordBackChannelLogout(ctx, false)

	assert.Equal(t, int64(2), counterValue(t, reader, "oauth.cors.cache", attribute.String("result", CacheHit)))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.cors.cache", attribute.String("result", CacheMiss)))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.token_validation.cache", attribute.String("result", CacheMiss)))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.device.poll", attribute.String("result", "slow_down")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.backchannel_logout", attribute.String("result", "failure")))
}

func TestMetrics_StorageOperationsAndGauges(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()

	inst.Metrics().RecordStorageOperation(ctx, "consume_grant", "success", 1.5)
	inst.Metrics().RecordStorageOperation(ctx, "consume_grant", "error", 0.5)
	require.NoError(t, inst.RegisterStorageSizeCallbacks(
		func() int64 { return 7 },
		func() int64 { return 3 },
	))

	assert.Equal(t, int64(2), counterValue(t, reader, "storage.operation.total", attribute.String("operation", "consume_grant")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	gauges := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				gauges[m.Name] = g.DataPoints[0].Value
			}
		}
	}
	assert.Equal(t, int64(7), gauges["storage.grants.count"])
	assert.Equal(t, int64(3), gauges["storage.device_codes.count"])
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordTokenIssued(ctx, "a", "b")
	m.RecordTokenRevocation(ctx, "refresh_token")
	m.RecordValidationFailed(ctx, "token", "invalid_request")
	m.RecordClientAuthFailed(ctx, "none")
	m.RecordPKCEValidationFailed(ctx, "plain")
	m.RecordReplayDetected(ctx, "device_code")
	m.RecordRateLimitExceeded(ctx, "user_code")
	m.RecordDevicePoll(ctx, "authorization_pending")
	m.RecordCORSCache(ctx, true)
	m.RecordTokenValidationCache(ctx, true)
	m.RecordBackChannelLogout(ctx, true)
	m.RecordStorageOperation(ctx, "store_grant", "success", 1)
}
