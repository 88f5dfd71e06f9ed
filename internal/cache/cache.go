// Package cache provides a small in-memory TTL cache used for upstream
// model lists.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time.
type entry[V any] struct {
	val       V
	expiresAt time.Time
}

// TTL is an in-memory W-TinyLFU cache backed by otter, with per-entry TTL
// checked on read.
type TTL[V any] struct {
	cache      *otter.Cache[string, entry[V]]
	defaultTTL time.Duration
}

// New creates a TTL cache with the given max entry count and default TTL.
func New[V any](maxSize int, defaultTTL time.Duration) (*TTL[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](defaultTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[V]{cache: c, defaultTTL: defaultTTL}, nil
}

// Get retrieves a value if present and not expired.
func (t *TTL[V]) Get(key string) (V, bool) {
	e, ok := t.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		t.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value with the default TTL.
func (t *TTL[V]) Set(key string, val V) {
	t.SetTTL(key, val, t.defaultTTL)
}

// SetTTL stores a value with a per-entry TTL.
func (t *TTL[V]) SetTTL(key string, val V, ttl time.Duration) {
	t.cache.Set(key, entry[V]{val: val, expiresAt: time.Now().Add(ttl)})
}

// Delete removes a value.
func (t *TTL[V]) Delete(key string) {
	t.cache.Invalidate(key)
}
