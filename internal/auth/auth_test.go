package auth

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/storage/sqlite"
)

func TestGenerateKeyShape(t *testing.T) {
	t.Parallel()
	raw, hash, prefix, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(raw, "sk-") {
		t.Errorf("raw key missing sk- prefix: %s", raw)
	}
	if len(raw) != 3+64 {
		t.Errorf("raw key length = %d, want %d", len(raw), 3+64)
	}
	if len(prefix) != 11 || !strings.HasPrefix(raw, prefix) {
		t.Errorf("prefix %q does not match key %q", prefix, raw)
	}
	if hash != gateway.HashKey(raw) {
		t.Error("hash does not match HashKey(raw)")
	}

	raw2, _, _, _ := GenerateKey()
	if raw == raw2 {
		t.Error("two generated keys are identical")
	}
}

func TestBearerFromRequest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer sk-abc"}, "sk-abc"},
		{"x-api-key", map[string]string{"x-api-key": "sk-def"}, "sk-def"},
		{"bearer wins", map[string]string{"Authorization": "Bearer sk-abc", "x-api-key": "sk-def"}, "sk-abc"},
		{"non-bearer authorization falls through", map[string]string{"Authorization": "Basic dXNlcg==", "x-api-key": "sk-def"}, "sk-def"},
		{"none", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := BearerFromRequest(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, err := NewResolver(store)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	raw, hash, prefix, _ := GenerateKey()
	ctx := context.Background()
	if err := store.CreateKey(ctx, &gateway.ProxyKey{
		ID: "k1", UserID: "u1", KeyHash: hash, KeyPrefix: prefix,
		Name: "test", IsActive: true,
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	key, err := resolver.Resolve(ctx, raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if key.KeyID != "k1" || key.UserID != "u1" {
		t.Errorf("unexpected resolved key: %+v", key)
	}

	// Second resolve hits the cache.
	if _, err := resolver.Resolve(ctx, raw); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}

	// Unknown key.
	if _, err := resolver.Resolve(ctx, "sk-"+strings.Repeat("0", 64)); err == nil {
		t.Fatal("want error for unknown key")
	} else if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeInvalidAPIKey {
		t.Errorf("want invalid_api_key, got %v", err)
	}

	// Empty key.
	if _, err := resolver.Resolve(ctx, ""); err == nil {
		t.Fatal("want error for empty key")
	} else if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeMissingAPIKey {
		t.Errorf("want missing_api_key, got %v", err)
	}
}

func TestResolveInactiveKey(t *testing.T) {
	t.Parallel()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, _ := NewResolver(store)

	raw, hash, prefix, _ := GenerateKey()
	ctx := context.Background()
	if err := store.CreateKey(ctx, &gateway.ProxyKey{
		ID: "k1", UserID: "u1", KeyHash: hash, KeyPrefix: prefix,
		Name: "revoked", IsActive: false,
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}

	_, err = resolver.Resolve(ctx, raw)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeKeyInactive || ge.Status != 403 {
		t.Errorf("want 403 key_inactive, got %v", err)
	}

	// The inactive verdict is cached too.
	_, err = resolver.Resolve(ctx, raw)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeKeyInactive {
		t.Errorf("want cached key_inactive, got %v", err)
	}
}

func TestInvalidateByKeyID(t *testing.T) {
	t.Parallel()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, _ := NewResolver(store)

	raw, hash, prefix, _ := GenerateKey()
	ctx := context.Background()
	store.CreateKey(ctx, &gateway.ProxyKey{ //nolint:errcheck
		ID: "k1", UserID: "u1", KeyHash: hash, KeyPrefix: prefix, IsActive: true,
	})

	if _, err := resolver.Resolve(ctx, raw); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Deactivate in the store and invalidate: the next resolve must see it.
	if err := store.SetKeyActive(ctx, "u1", "k1", false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	resolver.InvalidateByKeyID("k1")

	_, err = resolver.Resolve(ctx, raw)
	if ge := gateway.AsError(err); ge == nil || ge.Code != gateway.CodeKeyInactive {
		t.Errorf("want key_inactive after invalidation, got %v", err)
	}
}
