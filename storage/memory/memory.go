package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	// keyLogLength is the number of characters of a grant key included in logs
	keyLogLength = 8

	// maxGrantEntries is the threshold for warning about excessive grant growth.
	maxGrantEntries = 100000

	storageType = "memory"
)

// Store is an in-memory implementation of every storage contract: clients,
// resources, CORS origins, persisted grants, device codes and the replay cache.
type Store struct {
	mu sync.RWMutex

	// Static configuration
	clients           map[string]*storage.Client
	identityResources []storage.IdentityResource
	apiResources      []storage.APIResource
	apiScopes         []storage.APIScope

	// Protocol state
	grants      map[string]*storage.PersistedGrant
	deviceCodes map[string]*storage.DeviceCode // device code key -> code
	userCodes   map[string]string              // user code key -> device code key
	replay      map[string]time.Time           // purpose|id -> expiration

	clock security.Clock

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	grantsCountAtomic      atomic.Int64
	deviceCodesCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.CORSOriginStore     = (*Store)(nil)
	_ storage.ResourceStore       = (*Store)(nil)
	_ storage.PersistedGrantStore = (*Store)(nil)
	_ storage.DeviceFlowStore     = (*Store)(nil)
	_ storage.ReplayCache         = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.PersistedGrant),
		deviceCodes:     make(map[string]*storage.DeviceCode),
		userCodes:       make(map[string]string),
		replay:          make(map[string]time.Time),
		clock:           security.SystemClock{},
		tracer:          tracenoop.NewTracerProvider().Tracer("storage"),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the time source used for expiry decisions during cleanup and
// replay detection.
func (s *Store) SetClock(clock security.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = security.ClockOrDefault(clock)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.tracer = inst.Tracer("storage")
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.deviceCodesCountAtomic.Store(int64(len(s.deviceCodes)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.deviceCodesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired grants, device codes and replay entries. Expired
// entries are never served as valid in the meantime because callers check
// expiry themselves; cleanup only bounds memory.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cleaned := 0

	for key, g := range s.grants {
		if !g.Expiration.IsZero() && security.IsExpiredWithGracePeriod(now, g.Expiration, security.DefaultClockSkewGracePeriod) {
			delete(s.grants, key)
			s.grantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, dc := range s.deviceCodes {
		if security.IsExpiredWithGracePeriod(now, dc.ExpiresAt, security.DefaultClockSkewGracePeriod) {
			delete(s.deviceCodes, key)
			delete(s.userCodes, dc.UserCodeKey)
			s.deviceCodesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, exp := range s.replay {
		if security.IsExpired(now, exp) {
			delete(s.replay, key)
			cleaned++
		}
	}

	if n := len(s.grants); n > maxGrantEntries {
		s.logger.Warn("Persisted grant count exceeds threshold - possible token flooding",
			"current_count", n,
			"max_threshold", maxGrantEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	return tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

// observe wraps a storage operation with a span and metrics.
func (s *Store) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := s.startStorageSpan(ctx, operation)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.recordStorageOperation(ctx, span, operation, err, start)
	return err
}
