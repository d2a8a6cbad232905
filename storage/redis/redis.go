package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth:"

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// MaxIDLength is the maximum allowed length for keys and identifiers
	MaxIDLength = 256

	// MaxGrantDataSize is the maximum size of a serialized grant payload (64KB)
	MaxGrantDataSize = 64 * 1024

	// maxTxRetries bounds optimistic transaction retries under contention
	maxTxRetries = 10

	// keyLogLength is the number of characters of a key included in logs
	keyLogLength = 8

	storageType = "redis"
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g., "localhost:6379"
	Address string `yaml:"address"`

	// Username and Password are optional ACL credentials
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DB is the optional database number (default 0)
	DB int `yaml:"db"`

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string `yaml:"keyPrefix"`

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config `yaml:"-"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger `yaml:"-"`
}

// Store is a Redis-backed implementation of PersistedGrantStore,
// DeviceFlowStore and ReplayCache.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	clock  security.Clock

	mu              sync.RWMutex
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.PersistedGrantStore = (*Store)(nil)
	_ storage.DeviceFlowStore     = (*Store)(nil)
	_ storage.ReplayCache         = (*Store)(nil)
)

// New creates a Redis-backed store and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a Store with a pre-configured client. This is useful
// for testing with miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: slog.Default(),
		clock:  security.SystemClock{},
		tracer: tracenoop.NewTracerProvider().Tracer("storage"),
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the clock used to compute key lifetimes.
func (s *Store) SetClock(clock security.Clock) {
	s.clock = security.ClockOrDefault(clock)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	s.tracer = inst.Tracer("storage")
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) grantKey(key string) string { return s.prefix + "grant:" + key }
func (s *Store) familyIndex(id string) string { return s.prefix + "grants:family:" + id }
func (s *Store) subjectIndex(id string) string { return s.prefix + "grants:subject:" + id }
func (s *Store) clientIndex(id string) string { return s.prefix + "grants:client:" + id }
func (s *Store) deviceKey(key string) string { return s.prefix + "device:" + key }
func (s *Store) userCodeKey(key string) string { return s.prefix + "usercode:" + key }
func (s *Store) replayKey(purpose, id string) string {
	return s.prefix + "replay:" + purpose + ":" + id
}

// validateStringLength checks that a string doesn't exceed the maximum length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s: %w (max %d, got %d)", fieldName, errInputTooLarge, maxLen, len(value))
	}
	return nil
}

// ttlUntil returns the lifetime left until expiresAt, or 0 when it is unbounded.
// A past expiry yields a minimal positive TTL so the key still disappears.
func (s *Store) ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(s.clock.Now())
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	tracer, inst := s.tracer, s.instrumentation
	s.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000)
	return err
}
