// Package auth implements proxy key generation and bearer resolution for the
// Strider gateway. Resolved keys are cached in a W-TinyLFU cache so the hot
// path normally costs one SHA-256 and one cache hit.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment

	rawKeyBytes  = 32
	prefixLength = 11 // "sk-" + first 8 hex chars, shown in dashboards
)

// GenerateKey produces a new proxy key. It returns the raw key (shown to the
// caller exactly once), its SHA-256 hash for storage, and the display prefix.
func GenerateKey() (raw, hash, prefix string, err error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key material: %w", err)
	}
	raw = gateway.KeyPrefix + hex.EncodeToString(buf)
	return raw, gateway.HashKey(raw), raw[:prefixLength], nil
}

// Resolver authenticates incoming requests by proxy key.
type Resolver struct {
	store       storage.ProxyKeyStore
	cache       *otter.Cache[string, *gateway.ResolvedKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID
}

// NewResolver returns a Resolver backed by store.
func NewResolver(store storage.ProxyKeyStore) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, *gateway.ResolvedKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.ResolvedKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Resolver{store: store, cache: c}, nil
}

// BearerFromRequest extracts the proxy key from either the Authorization
// Bearer header or the x-api-key header. Both are accepted so that OpenAI
// and Anthropic client SDKs work unmodified.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return strings.TrimSpace(raw)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Resolve validates a raw proxy key and returns its resolved record.
// Error cases map to the taxonomy: empty key -> missing_api_key, unknown or
// malformed key -> invalid_api_key, deactivated key -> key_inactive.
func (a *Resolver) Resolve(ctx context.Context, raw string) (*gateway.ResolvedKey, error) {
	if raw == "" {
		return nil, gateway.Unauthorized(gateway.CodeMissingAPIKey, "missing API key")
	}
	if !strings.HasPrefix(raw, gateway.KeyPrefix) {
		return nil, gateway.Unauthorized(gateway.CodeInvalidAPIKey, "invalid API key")
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		if !key.IsActive {
			return nil, gateway.KeyInactive()
		}
		return key, nil
	}

	rec, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.Unauthorized(gateway.CodeInvalidAPIKey, "invalid API key")
		}
		return nil, err
	}

	// Belt-and-suspenders: the DB lookup already matched, but compare the
	// stored hash in constant time anyway.
	if subtle.ConstantTimeCompare([]byte(rec.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.Unauthorized(gateway.CodeInvalidAPIKey, "invalid API key")
	}

	key := &gateway.ResolvedKey{
		KeyID:              rec.ID,
		UserID:             rec.UserID,
		IsActive:           rec.IsActive,
		RateLimitPerMinute: rec.RateLimitPerMinute,
		ResolvedAt:         time.Now(),
	}
	a.cache.Set(hash, key)
	a.keyIDToHash.Store(rec.ID, hash)

	if !key.IsActive {
		return nil, gateway.KeyInactive()
	}

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchKeyUsed(ctx, rec.ID) //nolint:errcheck
	}()

	return key, nil
}

// InvalidateByKeyID removes a cached key by its key ID. Called when dashboard
// operations (deactivate, delete) modify a key so revocation takes effect
// without waiting out the cache TTL.
func (a *Resolver) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
