// Package security provides the low-level building blocks shared by the
// provider core.
//
// # Primitives
//
// ConstantTimeEquals, Sha256Base64 and HashHandle are the only ways secrets
// and handles are compared or turned into storage keys. Handles are never
// persisted in clear text.
//
// # Clock
//
// Every component that reasons about expiry or polling intervals takes a
// Clock. Production code uses SystemClock; tests use a controllable clock.
//
// # Audit
//
// Auditor writes "security_audit" records through log/slog. User identifiers
// are hashed before logging. An optional RateLimiter suppresses floods of
// identical events:
//
//	auditor := security.NewAuditor(logger, true).
//	    WithThrottle(security.NewRateLimiter(security.RateLimiterConfig{PerSecond: 1, Burst: 5}))
//
// # Encryption at rest
//
// Encryptor seals persisted grant payloads with AES-256-GCM, binding each
// ciphertext to its grant key. A nil or empty key disables encryption.
//
// # Rate limiting
//
// RateLimiter is a token bucket per key with LRU eviction, so attacker
// controlled keys cannot grow memory without bound.
package security
