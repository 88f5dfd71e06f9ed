// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/oakmund/strider/internal"
)

// ProxyKeyStore manages proxy key persistence.
type ProxyKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.ProxyKey) error
	GetKeyByHash(ctx context.Context, hash string) (*gateway.ProxyKey, error)
	ListKeys(ctx context.Context, userID string) ([]*gateway.ProxyKey, error)
	SetKeyActive(ctx context.Context, userID, id string, active bool) error
	DeleteKey(ctx context.Context, userID, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// CredentialStore manages upstream credential persistence. At most one
// credential exists per (userID, providerType); Upsert replaces in place.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, c *gateway.UpstreamCredential) error
	GetCredential(ctx context.Context, userID string, pt gateway.ProviderType) (*gateway.UpstreamCredential, error)
	ListCredentials(ctx context.Context, userID string) ([]*gateway.UpstreamCredential, error)
	DeleteCredential(ctx context.Context, userID string, pt gateway.ProviderType) error
}

// OAuthStore manages Anthropic OAuth token persistence. Upsert is atomic:
// token rotation never exposes a half-written pair.
type OAuthStore interface {
	UpsertOAuthTokens(ctx context.Context, t *gateway.OAuthTokens) error
	GetOAuthTokens(ctx context.Context, userID string) (*gateway.OAuthTokens, error)
	DeleteOAuthTokens(ctx context.Context, userID string) error
	ListAllOAuthTokens(ctx context.Context) ([]*gateway.OAuthTokens, error)
}

// PresetStore resolves system-prompt presets.
type PresetStore interface {
	// GetSystemPromptForModel returns the preset to inject for this user and
	// model: first a preset whose associated models contain the exact model,
	// else the user's global default, else gateway.ErrNotFound.
	GetSystemPromptForModel(ctx context.Context, userID, model string) (*gateway.SystemPromptPreset, error)
	UpsertPreset(ctx context.Context, p *gateway.SystemPromptPreset) error
	ListPresets(ctx context.Context, userID string) ([]*gateway.SystemPromptPreset, error)
	DeletePreset(ctx context.Context, id string) error
}

// UsageStore manages usage log persistence. The log is append-only.
type UsageStore interface {
	InsertUsage(ctx context.Context, entries []gateway.UsageLogEntry) error
}

// Store combines all storage interfaces.
type Store interface {
	ProxyKeyStore
	CredentialStore
	OAuthStore
	PresetStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
