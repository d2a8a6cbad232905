package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-provider/internal/testutil"
)

func TestCache_SetGetExpiry(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New[bool](10, clock)

	c.Set("origin", true, time.Minute)
	if v, ok := c.Get("origin"); !ok || !v {
		t.Fatalf("Get() = %v, %v, want true, true", v, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get("origin"); ok {
		t.Error("entry should have expired at its TTL")
	}
}

func TestCache_ZeroTTLNotStored(t *testing.T) {
	c := New[string](10, nil)
	c.Set("k", "v", 0)
	if c.Len() != 0 {
		t.Error("zero TTL must not be stored")
	}
}

func TestCache_BoundedSize(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New[int](3, clock)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), i, time.Hour)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if _, ok := c.Get("k9"); !ok {
		t.Error("most recent entry must survive eviction")
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest entry should have been evicted")
	}
}

func TestCache_GetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := New[string](10, nil)
	var calls atomic.Int32
	release := make(chan struct{})

	load := func(context.Context) (string, time.Duration, error) {
		calls.Add(1)
		<-release
		return "value", time.Minute, nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrLoad(context.Background(), "key", load)
			if err != nil {
				t.Errorf("GetOrLoad() error = %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("load called %d times, want 1", n)
	}
	for i, v := range results {
		if v != "value" {
			t.Errorf("result[%d] = %q", i, v)
		}
	}

	_, hit, _ := c.GetOrLoad(context.Background(), "key", load)
	if !hit {
		t.Error("second lookup should be a cache hit")
	}
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := New[string](10, nil)
	boom := errors.New("store unavailable")

	_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, time.Duration, error) {
		return "", 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	v, hit, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (string, time.Duration, error) {
		return "ok", time.Minute, nil
	})
	if err != nil || hit || v != "ok" {
		t.Errorf("GetOrLoad() = %q, %v, %v", v, hit, err)
	}
}

func TestCache_DeletePrefix(t *testing.T) {
	c := New[int](10, nil)
	c.Set("tok|scope1", 1, time.Minute)
	c.Set("tok|scope2", 2, time.Minute)
	c.Set("other|scope1", 3, time.Minute)

	c.DeletePrefix("tok|")

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if _, ok := c.Get("other|scope1"); !ok {
		t.Error("unrelated key should survive")
	}
}
