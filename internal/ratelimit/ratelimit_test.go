package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestWindowAllowsUpToLimit(t *testing.T) {
	t.Parallel()
	w := &Window{}
	now := time.Now()

	for i := 0; i < 5; i++ {
		res := w.Allow(5, now)
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, 5-(i+1))
		}
	}

	res := w.Allow(5, now)
	if res.Allowed {
		t.Fatal("6th request allowed, want denied")
	}
	if res.RetryAfterSeconds <= 0 || res.RetryAfterSeconds > 61 {
		t.Errorf("retry after = %d, want within (0, 61]", res.RetryAfterSeconds)
	}
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()
	w := &Window{}
	base := time.Now()

	for i := 0; i < 3; i++ {
		w.Allow(3, base)
	}
	if res := w.Allow(3, base.Add(30*time.Second)); res.Allowed {
		t.Fatal("request inside window allowed, want denied")
	}

	// 61s later the original stamps have aged out.
	if res := w.Allow(3, base.Add(61*time.Second)); !res.Allowed {
		t.Fatal("request after window denied, want allowed")
	}
}

func TestUnlimitedKeysKeepNoState(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for i := 0; i < 100; i++ {
		if res := r.Allow("free", nil); !res.Allowed {
			t.Fatal("unlimited key denied")
		}
	}
	if r.Len() != 0 {
		t.Errorf("registry holds %d windows for unlimited keys, want 0", r.Len())
	}
}

func TestRegistryIsolatesKeys(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	limit := 2

	r.Allow("a", &limit)
	r.Allow("a", &limit)
	if res := r.Allow("a", &limit); res.Allowed {
		t.Fatal("key a over limit, want denied")
	}
	if res := r.Allow("b", &limit); !res.Allowed {
		t.Fatal("key b denied by key a's window")
	}
}

func TestRegistryConcurrentAllow(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	limit := 50

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- r.Allow("hot", &limit).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Errorf("allowed %d of 100 concurrent requests, want exactly 50", count)
	}
}

func TestEvictStale(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	limit := 10

	r.Allow("old", &limit)
	r.Allow("new", &limit)

	// Backdate "old".
	r.mu.Lock()
	r.windows["old"].lastUsed = time.Now().Add(-10 * time.Minute)
	r.mu.Unlock()

	if n := r.EvictStale(time.Now().Add(-5 * time.Minute)); n != 1 {
		t.Errorf("evicted %d, want 1", n)
	}
	if r.Len() != 1 {
		t.Errorf("registry holds %d windows, want 1", r.Len())
	}
}
