package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default tolerance applied when checking
	// the validity window of JWTs issued by other parties (client assertions,
	// request objects, id_token_hint). It covers typical NTP drift between hosts.
	//
	// Grants issued by this provider are checked without grace: their expiry
	// is computed from our own clock.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// Clock abstracts the current time so expiry and polling logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockOrDefault returns c, or SystemClock when c is nil.
func ClockOrDefault(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// IsExpired reports whether expiresAt lies in the past relative to now.
// A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsExpiredWithGracePeriod checks expiry allowing for clock skew.
func IsExpiredWithGracePeriod(now, expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
