package security

import (
	"testing"
	"time"
)

func TestConstantTimeEquals(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "secreT", false},
		{"secret", "secret-longer", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := ConstantTimeEquals(tt.a, tt.b); got != tt.want {
			t.Errorf("ConstantTimeEquals(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSha256Base64(t *testing.T) {
	// echo -n secret | openssl dgst -sha256 -binary | base64
	if got := Sha256Base64("secret"); got != "K7gNU3sdo+OL0wNhqoVWhr3g6s1xYv72ol/pe/Unols=" {
		t.Errorf("Sha256Base64() = %q", got)
	}
}

func TestHashHandle(t *testing.T) {
	code := HashHandle("authorization_code", "abc")
	refresh := HashHandle("refresh_token", "abc")
	if code == refresh {
		t.Error("grant type must be part of the handle hash")
	}
	if code != HashHandle("authorization_code", "abc") {
		t.Error("HashHandle must be deterministic")
	}
}

func TestLeftHalfHash(t *testing.T) {
	// OIDC Core A.3 example: at_hash for "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"
	if got := LeftHalfHash("RS256", "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"); got != "77QmUPtjPfzWtF2AnpK9RQ" {
		t.Errorf("LeftHalfHash() = %q", got)
	}
	// 24 bytes of SHA-384 encode to 32 base64url characters, 16 bytes of SHA-256 to 22
	if len(LeftHalfHash("ES384", "x")) != 32 || len(LeftHalfHash("ES256", "x")) != 22 {
		t.Error("ES384 should use the SHA-384 digest")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero never expires", time.Time{}, false},
		{"future", now.Add(time.Second), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(now, tt.expiresAt); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsExpiredWithGracePeriod(now, now.Add(-3*time.Second), DefaultClockSkewGracePeriod) {
		t.Error("3s past expiry is within the default grace period")
	}
	if !IsExpiredWithGracePeriod(now, now.Add(-10*time.Second), DefaultClockSkewGracePeriod) {
		t.Error("10s past expiry is beyond the default grace period")
	}
}
