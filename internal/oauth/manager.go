// Package oauth manages the Anthropic OAuth token lifecycle: PKCE
// authorization, token storage (encrypted at rest), cached access-token
// reads, and single-flight refresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/storage"
)

const (
	// ClientID is the fixed public OAuth client for the Anthropic agent path.
	ClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	authURL  = "https://claude.ai/oauth/authorize"
	tokenURL = "https://console.anthropic.com/v1/oauth/token"

	scopes = "org:create_api_key user:profile user:inference"

	cacheTTL    = 60 * time.Second
	cacheMaxLen = 10_000

	// expirySkew: a token within this margin of expiry is refreshed rather
	// than handed out, so callers never receive a token that dies mid-stream.
	expirySkew = 5 * time.Minute
)

// ErrNotConnected is returned when a user has no stored OAuth tokens.
var ErrNotConnected = errors.New("oauth: account not connected")

type cachedToken struct {
	token     string
	expiresAt *time.Time
}

// expiringSoon reports whether the token is inside the refresh margin.
// Tokens with no recorded expiry never count as expiring.
func (c *cachedToken) expiringSoon(now time.Time) bool {
	return c.expiresAt != nil && now.Add(expirySkew).After(*c.expiresAt)
}

// Manager implements the token lifecycle for all users sharing one store
// and one process-wide cipher.
type Manager struct {
	store  storage.OAuthStore
	cipher *crypto.Cipher
	cfg    *oauth2.Config
	cache  *otter.Cache[string, *cachedToken]
	flight singleflight.Group
	client *http.Client
}

// New returns a Manager. redirectURL is the public callback URL
// (SITE_URL + "/api/oauth/callback"); client may be nil for http.DefaultClient.
func New(store storage.OAuthStore, cipher *crypto.Cipher, redirectURL string, client *http.Client) (*Manager, error) {
	c, err := otter.New(&otter.Options[string, *cachedToken]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *cachedToken](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		store:  store,
		cipher: cipher,
		cfg: &oauth2.Config{
			ClientID:    ClientID,
			RedirectURL: redirectURL,
			Scopes:      []string{scopes},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		cache:  c,
		client: client,
	}, nil
}

// IsConfigured reports whether the user has connected an Anthropic account.
func (m *Manager) IsConfigured(ctx context.Context, userID string) bool {
	if _, ok := m.cache.GetIfPresent(userID); ok {
		return true
	}
	_, err := m.store.GetOAuthTokens(ctx, userID)
	return err == nil
}

// AccessToken returns a valid plaintext access token for the user,
// refreshing through the single-flight group when the stored token is
// within the expiry margin.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	now := time.Now()
	if c, ok := m.cache.GetIfPresent(userID); ok && !c.expiringSoon(now) {
		return c.token, nil
	}

	rec, err := m.store.GetOAuthTokens(ctx, userID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", fmt.Errorf("load oauth tokens: %w", err)
	}

	access, err := m.cipher.Decrypt(rec.EncryptedAccessToken, rec.AccessIV)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}

	c := &cachedToken{token: access, expiresAt: rec.ExpiresAt}
	if !c.expiringSoon(now) {
		m.cache.Set(userID, c)
		return access, nil
	}

	refresh, err := m.cipher.Decrypt(rec.EncryptedRefreshToken, rec.RefreshIV)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return m.refresh(ctx, userID, refresh)
}

// refresh performs a single-flight token refresh for the user. Concurrent
// callers share one POST to the token endpoint; all receive the same result.
func (m *Manager) refresh(ctx context.Context, userID, refreshToken string) (string, error) {
	v, err, _ := m.flight.Do(userID, func() (any, error) {
		// Detach from the first caller's deadline: a refresh serving many
		// waiters should not die with the one request that started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		rctx = context.WithValue(rctx, oauth2.HTTPClient, m.client)

		src := m.cfg.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}

		newRefresh := tok.RefreshToken
		if newRefresh == "" {
			newRefresh = refreshToken
		}
		var expiresIn *int
		if !tok.Expiry.IsZero() {
			secs := int(time.Until(tok.Expiry).Seconds())
			expiresIn = &secs
		}
		if err := m.StoreTokens(rctx, userID, tok.AccessToken, newRefresh, expiresIn); err != nil {
			return nil, err
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// StoreTokens encrypts and upserts a token pair, then primes the cache.
// Called by the PKCE exchange and by refresh.
func (m *Manager) StoreTokens(ctx context.Context, userID, access, refresh string, expiresIn *int) error {
	accessBlob, accessIV, err := m.cipher.Encrypt(access)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshBlob, refreshIV, err := m.cipher.Encrypt(refresh)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	var expiresAt *time.Time
	if expiresIn != nil {
		t := time.Now().Add(time.Duration(*expiresIn) * time.Second)
		expiresAt = &t
	}

	if err := m.store.UpsertOAuthTokens(ctx, &gateway.OAuthTokens{
		UserID:                userID,
		EncryptedAccessToken:  accessBlob,
		AccessIV:              accessIV,
		EncryptedRefreshToken: refreshBlob,
		RefreshIV:             refreshIV,
		ExpiresAt:             expiresAt,
	}); err != nil {
		return fmt.Errorf("store oauth tokens: %w", err)
	}

	m.cache.Set(userID, &cachedToken{token: access, expiresAt: expiresAt})
	return nil
}

// Clear removes a user's tokens (OAuth disconnect).
func (m *Manager) Clear(ctx context.Context, userID string) error {
	m.cache.Invalidate(userID)
	err := m.store.DeleteOAuthTokens(ctx, userID)
	if errors.Is(err, gateway.ErrNotFound) {
		return nil
	}
	return err
}

// Status describes a user's connection for the dashboard status endpoint.
type Status struct {
	Connected bool       `json:"connected"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ConnectionStatus reports whether the user is connected and when the
// current access token expires.
func (m *Manager) ConnectionStatus(ctx context.Context, userID string) (Status, error) {
	rec, err := m.store.GetOAuthTokens(ctx, userID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return Status{Connected: false}, nil
		}
		return Status{}, err
	}
	return Status{Connected: true, ExpiresAt: rec.ExpiresAt}, nil
}

// RefreshAll walks every stored user and refreshes tokens inside the expiry
// margin. Per-user failures are logged and skipped; the background refresh
// loop calls this every 30 minutes.
func (m *Manager) RefreshAll(ctx context.Context) error {
	all, err := m.store.ListAllOAuthTokens(ctx)
	if err != nil {
		return fmt.Errorf("list oauth tokens: %w", err)
	}

	now := time.Now()
	for _, rec := range all {
		c := &cachedToken{expiresAt: rec.ExpiresAt}
		if !c.expiringSoon(now) {
			continue
		}
		refresh, err := m.cipher.Decrypt(rec.EncryptedRefreshToken, rec.RefreshIV)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "oauth refresh skipped",
				slog.String("user_id", rec.UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := m.refresh(ctx, rec.UserID, refresh); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "oauth refresh failed",
				slog.String("user_id", rec.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
