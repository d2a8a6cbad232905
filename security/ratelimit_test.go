package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimiterConfig{PerSecond: 1, Burst: 3, Clock: clock})

	for i := 0; i < 3; i++ {
		if !rl.Allow("key") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("key") {
		t.Error("request beyond burst should be rejected")
	}

	clock.Advance(time.Second)
	if !rl.Allow("key") {
		t.Error("bucket should refill after one second")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{PerSecond: 1, Burst: 1, Clock: newFakeClock()})

	if !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("key a should allow exactly one request")
	}
	if !rl.Allow("b") {
		t.Error("key b must not share a's bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{PerSecond: 1, Burst: 1, MaxEntries: 3, Clock: newFakeClock()})

	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("key-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRateLimiter_IdleEviction(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(RateLimiterConfig{PerSecond: 1, Burst: 1, IdleTTL: time.Minute, Clock: clock})

	rl.Allow("old")
	clock.Advance(2 * time.Minute)
	rl.Allow("new")

	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 after idle eviction", got)
	}
}
