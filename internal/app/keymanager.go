package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/auth"
	"github.com/oakmund/strider/internal/storage"
)

// KeyManager handles proxy key lifecycle.
type KeyManager struct {
	store    storage.ProxyKeyStore
	resolver *auth.Resolver
}

// NewKeyManager returns a KeyManager backed by store. The resolver is
// notified on deactivation and deletion so cached resolutions drop
// immediately.
func NewKeyManager(store storage.ProxyKeyStore, resolver *auth.Resolver) *KeyManager {
	return &KeyManager{store: store, resolver: resolver}
}

// CreateKeyOpts holds the fields for proxy key creation.
type CreateKeyOpts struct {
	UserID             string
	Name               string
	RateLimitPerMinute *int
}

// CreateKey generates a proxy key, stores its hash, and returns the raw key
// (shown once) with the persisted record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.ProxyKey, error) {
	if opts.Name == "" || len(opts.Name) > 100 {
		return "", nil, gateway.BadRequestParam(gateway.CodeValidationError,
			"name must be between 1 and 100 characters", "name")
	}
	if opts.RateLimitPerMinute != nil && *opts.RateLimitPerMinute <= 0 {
		return "", nil, gateway.BadRequestParam(gateway.CodeValidationError,
			"rate_limit_per_minute must be positive", "rate_limit_per_minute")
	}

	raw, hash, prefix, err := auth.GenerateKey()
	if err != nil {
		return "", nil, gateway.Internal("failed to generate key")
	}

	key := &gateway.ProxyKey{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		UserID:             opts.UserID,
		KeyHash:            hash,
		KeyPrefix:          prefix,
		Name:               opts.Name,
		IsActive:           true,
		RateLimitPerMinute: opts.RateLimitPerMinute,
		CreatedAt:          time.Now().UTC(),
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, gateway.Internal("failed to store key")
	}
	return raw, key, nil
}

// ListKeys returns the user's keys, raw form excluded.
func (km *KeyManager) ListKeys(ctx context.Context, userID string) ([]*gateway.ProxyKey, error) {
	return km.store.ListKeys(ctx, userID)
}

// SetActive toggles a key owned by userID and invalidates any cached
// resolution. A key id belonging to another user reports ErrNotFound.
func (km *KeyManager) SetActive(ctx context.Context, userID, id string, active bool) error {
	if err := km.store.SetKeyActive(ctx, userID, id, active); err != nil {
		return err
	}
	km.resolver.InvalidateByKeyID(id)
	return nil
}

// DeleteKey removes a key owned by userID and invalidates any cached
// resolution.
func (km *KeyManager) DeleteKey(ctx context.Context, userID, id string) error {
	if err := km.store.DeleteKey(ctx, userID, id); err != nil {
		return err
	}
	km.resolver.InvalidateByKeyID(id)
	return nil
}
