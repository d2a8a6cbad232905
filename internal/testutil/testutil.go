package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// Epoch is the start time of every MockTime in the provider tests.
var Epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// MockTime is a security.Clock that only moves when told to. Safe for
// concurrent use, so stores and validators under test can share one.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime returns a clock stopped at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Lifetimes, polling intervals and
// cache expirations are tested this way.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// GeneratePKCEPair returns an S256 code challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// GenerateECKey returns a fresh P-256 key for ES256 signing fixtures.
func GenerateECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// GenerateRSAKey returns a fresh 2048-bit key for RS256 and PS256 fixtures.
func GenerateRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}
