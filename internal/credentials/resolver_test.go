package credentials

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/storage/sqlite"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestResolver(t *testing.T) (*Resolver, *sqlite.Store, *crypto.Cipher, *oauth.Manager) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cipher, err := crypto.New(testKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	mgr, err := oauth.New(store, cipher, "https://gw.example.com/cb", nil)
	if err != nil {
		t.Fatalf("new oauth manager: %v", err)
	}
	return NewResolver(store, cipher, mgr), store, cipher, mgr
}

func storeCred(t *testing.T, store *sqlite.Store, cipher *crypto.Cipher, userID string, pt gateway.ProviderType, plain string) {
	t.Helper()
	blob, iv, err := cipher.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := store.UpsertCredential(context.Background(), &gateway.UpstreamCredential{
		UserID: userID, ProviderType: pt, EncryptedAPIKey: blob, IV: iv,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Parallel()
	r, store, cipher, _ := newTestResolver(t)
	storeCred(t, store, cipher, "u1", gateway.ProviderGemini, "AIzaTestKey")

	cred, err := r.Resolve(context.Background(), "u1", gateway.ProviderGemini)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.APIKey != "AIzaTestKey" {
		t.Errorf("api key = %q", cred.APIKey)
	}
}

func TestResolveMissing(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "u1", gateway.ProviderOpenRouter)
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("want ErrNoCredential, got %v", err)
	}
	// The anthropic path with no OAuth connection reports the same.
	_, err = r.Resolve(context.Background(), "u1", gateway.ProviderAnthropicAgent)
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("want ErrNoCredential for anthropic, got %v", err)
	}
}

func TestResolveVertex(t *testing.T) {
	t.Parallel()
	r, store, cipher, _ := newTestResolver(t)

	tests := []struct {
		name    string
		plain   string
		want    gateway.Credential
		wantErr bool
	}{
		{
			name:  "full",
			plain: `{"apiKey":"vk","projectId":"proj-1","region":"us-central1"}`,
			want:  gateway.Credential{APIKey: "vk", ProjectID: "proj-1", Region: "us-central1"},
		},
		{
			name:  "region defaults",
			plain: `{"apiKey":"vk","projectId":"proj-1"}`,
			want:  gateway.Credential{APIKey: "vk", ProjectID: "proj-1", Region: "asia-northeast1"},
		},
		{name: "malformed json", plain: `not json`, wantErr: true},
		{name: "missing apiKey", plain: `{"projectId":"p"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storeCred(t, store, cipher, "u-"+tt.name, gateway.ProviderVertexAI, tt.plain)
			cred, err := r.Resolve(context.Background(), "u-"+tt.name, gateway.ProviderVertexAI)
			if tt.wantErr {
				ge := gateway.AsError(err)
				if ge == nil || ge.Status != 400 {
					t.Fatalf("want 400 invalid credentials, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if cred != tt.want {
				t.Errorf("got %+v, want %+v", cred, tt.want)
			}
		})
	}
}

func TestResolveAnthropicDelegates(t *testing.T) {
	t.Parallel()
	r, _, _, mgr := newTestResolver(t)
	ctx := context.Background()

	expiresIn := 3600
	if err := mgr.StoreTokens(ctx, "u1", "oauth-access", "oauth-refresh", &expiresIn); err != nil {
		t.Fatalf("store tokens: %v", err)
	}

	cred, err := r.Resolve(ctx, "u1", gateway.ProviderAnthropicAgent)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred.AccessToken != "oauth-access" || cred.APIKey != "" {
		t.Errorf("unexpected credential: %+v", cred)
	}
}

func TestConfigured(t *testing.T) {
	t.Parallel()
	r, store, cipher, mgr := newTestResolver(t)
	ctx := context.Background()

	storeCred(t, store, cipher, "u1", gateway.ProviderGemini, "k1")
	storeCred(t, store, cipher, "u1", gateway.ProviderOpenRouter, "k2")
	expiresIn := 3600
	mgr.StoreTokens(ctx, "u1", "a", "r", &expiresIn) //nolint:errcheck

	got, err := r.Configured(ctx, "u1")
	if err != nil {
		t.Fatalf("configured: %v", err)
	}
	want := map[gateway.ProviderType]bool{
		gateway.ProviderGemini:         true,
		gateway.ProviderOpenRouter:     true,
		gateway.ProviderAnthropicAgent: true,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want 3 providers", got)
	}
	for _, pt := range got {
		if !want[pt] {
			t.Errorf("unexpected provider %s", pt)
		}
	}
}
