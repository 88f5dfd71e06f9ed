// Package ratelimit implements per-key sliding-window request limiting.
// Each key keeps the timestamps of its requests within the last minute;
// a request is allowed when the pruned window holds fewer entries than
// the key's per-minute limit.
package ratelimit

import (
	"sync"
	"time"
)

// window is the sliding interval over which requests are counted.
const window = time.Minute

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds int
}

// Window tracks request timestamps for a single key.
type Window struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastUsed time.Time
}

// prune drops timestamps older than the window. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Allow records and admits the request if the window has room.
// A limit <= 0 means unlimited: always allowed, nothing recorded.
func (w *Window) Allow(limit int, now time.Time) Result {
	if limit <= 0 {
		return Result{Allowed: true}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastUsed = now
	w.prune(now)

	if len(w.stamps) >= limit {
		retry := int(window.Seconds())
		if oldest := w.stamps[0]; !oldest.IsZero() {
			if d := oldest.Add(window).Sub(now); d > 0 {
				retry = int(d.Seconds()) + 1
			}
		}
		return Result{Allowed: false, Limit: limit, Remaining: 0, RetryAfterSeconds: retry}
	}

	w.stamps = append(w.stamps, now)
	return Result{Allowed: true, Limit: limit, Remaining: limit - len(w.stamps)}
}

// Registry manages per-key windows.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Window)}
}

// Allow checks and records a request for keyID. A nil limit means the key
// is unlimited and no state is kept for it.
func (r *Registry) Allow(keyID string, limit *int) Result {
	if limit == nil || *limit <= 0 {
		return Result{Allowed: true}
	}
	return r.getOrCreate(keyID).Allow(*limit, time.Now())
}

func (r *Registry) getOrCreate(keyID string) *Window {
	r.mu.RLock()
	w, ok := r.windows[keyID]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if w, ok := r.windows[keyID]; ok {
		return w
	}
	w = &Window{}
	r.windows[keyID] = w
	return w
}

// EvictStale removes windows not used since cutoff and returns how many
// were dropped. The background sweeper calls this every few minutes so
// one-off keys do not accumulate forever.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, w := range r.windows {
		w.mu.Lock()
		stale := w.lastUsed.Before(cutoff)
		w.mu.Unlock()
		if stale {
			delete(r.windows, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked keys. Exposed for the sweeper's metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}
