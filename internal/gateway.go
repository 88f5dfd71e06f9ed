// Package gateway defines domain types and interfaces for the Strider LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ProviderType identifies an upstream provider family.
type ProviderType string

// Known upstream providers.
const (
	ProviderAnthropicAgent ProviderType = "anthropic-agent"
	ProviderGemini         ProviderType = "gemini"
	ProviderVertexAI       ProviderType = "vertex-ai"
	ProviderOpenRouter     ProviderType = "openrouter"
)

// Credential is the resolved upstream credential passed to adapters.
// Adapters receive a read-only snapshot; they must never mutate it.
type Credential struct {
	// APIKey is the plaintext upstream API key (gemini, vertex-ai, openrouter).
	APIKey string
	// AccessToken is the OAuth access token (anthropic-agent).
	AccessToken string
	// ProjectID and Region are set for vertex-ai credentials.
	ProjectID string
	Region    string
}

// ModelEntry is a single entry in an OpenAI-format model list.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Provider is the interface that all upstream provider adapters implement.
// Adapters translate to and from their upstream dialect internally; the
// request and response types they see are always the canonical OpenAI shape.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "anthropic-agent").
	Name() ProviderType
	// Complete sends a non-streaming chat completion request.
	Complete(ctx context.Context, req *ChatRequest, cred Credential) (*ChatResponse, error)
	// Stream sends a streaming chat completion request. The returned channel
	// carries canonical SSE chunk payloads and is closed after the final
	// Done or Err chunk. Cancelling ctx closes the upstream connection.
	Stream(ctx context.Context, req *ChatRequest, cred Credential) (<-chan StreamChunk, error)
	// ListModels returns the models available to this credential.
	ListModels(ctx context.Context, cred Credential) ([]ModelEntry, error)
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data    []byte // raw canonical chunk JSON (the SSE data payload)
	Comment string // non-empty for SSE comments (": keepalive")
	Usage   *Usage // non-nil when the chunk carries final usage
	Done    bool   // true for the [DONE] sentinel
	Err     error
}

// --- Tenant records ---

// ProxyKey is a caller-facing bearer key record. The raw key is never stored;
// KeyHash (lowercase hex SHA-256) is the only lookup key.
type ProxyKey struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	KeyHash            string     `json:"-"`
	KeyPrefix          string     `json:"key_prefix"`
	Name               string     `json:"name"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute *int       `json:"rate_limit_per_minute,omitempty"` // nil = unlimited
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// ResolvedKey is the decoded bearer with metadata, cached by the key resolver.
type ResolvedKey struct {
	KeyID              string
	UserID             string
	IsActive           bool
	RateLimitPerMinute *int
	ResolvedAt         time.Time
}

// UpstreamCredential is a per-user per-provider secret, AEAD-encrypted at rest.
// Uniqueness: (UserID, ProviderType).
type UpstreamCredential struct {
	UserID          string       `json:"user_id"`
	ProviderType    ProviderType `json:"provider_type"`
	EncryptedAPIKey string       `json:"-"`
	IV              string       `json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// OAuthTokens holds a user's Anthropic OAuth token pair, encrypted at rest.
type OAuthTokens struct {
	UserID                string
	EncryptedAccessToken  string
	AccessIV              string
	EncryptedRefreshToken string
	RefreshIV             string
	ExpiresAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SystemPromptPreset is an optional system message injected into requests
// that carry none of their own.
type SystemPromptPreset struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Content          string    `json:"content"`
	IsDefault        bool      `json:"is_default"`
	AssociatedModels []string  `json:"associated_models,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UsageLogEntry is an append-only record of a single proxied request.
// Latency is measured from the start of credential resolution until the
// adapter returns a stream handle (streaming) or the full body (non-streaming).
type UsageLogEntry struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	KeyID        string       `json:"key_id"`
	ProviderType ProviderType `json:"provider_type"`
	Model        string       `json:"model"`
	InputTokens  *int         `json:"input_tokens,omitempty"`
	OutputTokens *int         `json:"output_tokens,omitempty"`
	LatencyMs    int          `json:"latency_ms"`
	StatusCode   int          `json:"status_code"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Streamed     bool         `json:"streamed"`
	MessageCount int          `json:"message_count,omitempty"`
	HasTools     bool         `json:"has_tools"`
	Temperature  *float64     `json:"temperature,omitempty"`
	MaxTokens    *int         `json:"max_tokens,omitempty"`
	StopReason   string       `json:"stop_reason,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *ResolvedKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated key from context.
func KeyFromContext(ctx context.Context) *ResolvedKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the resolved key in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g. in tests).
func ContextWithKey(ctx context.Context, k *ResolvedKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// KeyPrefix is the prefix for all Strider proxy keys.
const KeyPrefix = "sk-"

// HashKey returns the lowercase hex SHA-256 hash of a raw proxy key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// NewCompletionID returns a canonical response ID: "chatcmpl-" followed by
// a 24-char hex token.
func NewCompletionID() string {
	u := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(u[:12])
}

// NewToolCallID returns a caller-facing tool call ID: "call_" + 24 hex chars.
func NewToolCallID() string {
	u := uuid.New()
	return "call_" + hex.EncodeToString(u[:12])
}
