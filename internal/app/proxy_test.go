package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/credentials"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/provider"
	"github.com/oakmund/strider/internal/storage"
	"github.com/oakmund/strider/internal/storage/sqlite"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeProvider struct {
	name       gateway.ProviderType
	lastReq    *gateway.ChatRequest
	lastCred   gateway.Credential
	completeFn func(*gateway.ChatRequest) (*gateway.ChatResponse, error)
	models     []gateway.ModelEntry
}

func (f *fakeProvider) Name() gateway.ProviderType { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req *gateway.ChatRequest, cred gateway.Credential) (*gateway.ChatResponse, error) {
	f.lastReq, f.lastCred = req, cred
	if f.completeFn != nil {
		return f.completeFn(req)
	}
	content := "ok"
	return &gateway.ChatResponse{
		ID:    "chatcmpl-test",
		Model: req.Model,
		Choices: []gateway.Choice{{
			Message:      gateway.ChoiceMessage{Role: "assistant", Content: &content},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}, nil
}

func (f *fakeProvider) Stream(_ context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan gateway.StreamChunk, error) {
	f.lastReq, f.lastCred = req, cred
	ch := make(chan gateway.StreamChunk, 1)
	ch <- gateway.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ListModels(context.Context, gateway.Credential) ([]gateway.ModelEntry, error) {
	return f.models, nil
}

type captureSink struct {
	mu      sync.Mutex
	entries []gateway.UsageLogEntry
}

func (s *captureSink) Record(e gateway.UsageLogEntry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

func (s *captureSink) last(t *testing.T) gateway.UsageLogEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		t.Fatal("no usage entries recorded")
	}
	return s.entries[len(s.entries)-1]
}

type proxyHarness struct {
	svc      *ProxyService
	store    *sqlite.Store
	cipher   *crypto.Cipher
	registry *provider.Registry
	sink     *captureSink
}

func newProxyHarness(t *testing.T, providers ...*fakeProvider) *proxyHarness {
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

	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}
	sink := &captureSink{}
	creds := credentials.NewResolver(store, cipher, mgr)
	return &proxyHarness{
		svc:      NewProxyService(registry, creds, store, sink),
		store:    store,
		cipher:   cipher,
		registry: registry,
		sink:     sink,
	}
}

func (h *proxyHarness) storeCred(t *testing.T, userID string, pt gateway.ProviderType, plain string) {
	t.Helper()
	blob, iv, err := h.cipher.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := h.store.UpsertCredential(context.Background(), &gateway.UpstreamCredential{
		UserID: userID, ProviderType: pt, EncryptedAPIKey: blob, IV: iv,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func testResolvedKey() *gateway.ResolvedKey {
	return &gateway.ResolvedKey{KeyID: "k1", UserID: "u1", IsActive: true}
}

func chatReq(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: gateway.StringContent("hi")}},
	}
}

func TestCompleteRoutesAndLogs(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "AIzaTestKey")

	resp, err := h.svc.Complete(context.Background(), chatReq("gemini:gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if p.lastReq.Model != "gemini-2.0-flash" {
		t.Errorf("adapter saw model %q, want prefix stripped", p.lastReq.Model)
	}
	if p.lastCred.APIKey != "AIzaTestKey" {
		t.Errorf("adapter cred = %+v", p.lastCred)
	}

	e := h.sink.last(t)
	if e.StatusCode != 200 || e.ProviderType != gateway.ProviderGemini {
		t.Errorf("entry = %+v", e)
	}
	if e.InputTokens == nil || *e.InputTokens != 5 || e.OutputTokens == nil || *e.OutputTokens != 3 {
		t.Errorf("token counts = %v/%v", e.InputTokens, e.OutputTokens)
	}
	if e.StopReason != "stop" {
		t.Errorf("stop reason = %q", e.StopReason)
	}
	// The log row keeps the caller's model name, prefix included.
	if e.Model != "gemini:gemini-2.0-flash" {
		t.Errorf("logged model = %q", e.Model)
	}
}

func TestCompleteUnknownModelShape(t *testing.T) {
	t.Parallel()
	h := newProxyHarness(t)

	_, err := h.svc.Complete(context.Background(), chatReq("gpt-4o"), testResolvedKey(), "/v1/chat/completions")
	ge := gateway.AsError(err)
	if ge == nil || ge.Status != 400 || ge.Code != gateway.CodeInvalidRequest {
		t.Fatalf("want 400 unknown provider, got %v", err)
	}
	if e := h.sink.last(t); e.StatusCode != 400 {
		t.Errorf("logged status = %d", e.StatusCode)
	}
}

func TestCompleteNoCredentials(t *testing.T) {
	t.Parallel()
	h := newProxyHarness(t, &fakeProvider{name: gateway.ProviderVertexAI}, &fakeProvider{name: gateway.ProviderGemini})

	_, err := h.svc.Complete(context.Background(), chatReq("gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	ge := gateway.AsError(err)
	if ge == nil || ge.Status != 502 || ge.Code != gateway.CodeAllProvidersFailed {
		t.Fatalf("want 502 all_providers_failed, got %v", err)
	}
	// Both candidates are named, in routing order.
	if !strings.Contains(ge.Message, "vertex-ai, gemini") {
		t.Errorf("message = %q", ge.Message)
	}
}

func TestCompleteFallsThroughToGemini(t *testing.T) {
	t.Parallel()
	vertex := &fakeProvider{name: gateway.ProviderVertexAI}
	gemini := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, vertex, gemini)
	// Vertex has no stored credential; the gemini-* route falls to Gemini.
	h.storeCred(t, "u1", gateway.ProviderGemini, "AIzaFallback")

	_, err := h.svc.Complete(context.Background(), chatReq("gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if vertex.lastReq != nil {
		t.Error("vertex adapter should not have been dispatched")
	}
	if gemini.lastReq == nil || gemini.lastCred.APIKey != "AIzaFallback" {
		t.Errorf("gemini dispatch: req=%v cred=%+v", gemini.lastReq, gemini.lastCred)
	}
}

func TestCompleteBadVertexCredentialStopsIteration(t *testing.T) {
	t.Parallel()
	h := newProxyHarness(t, &fakeProvider{name: gateway.ProviderVertexAI}, &fakeProvider{name: gateway.ProviderGemini})
	h.storeCred(t, "u1", gateway.ProviderVertexAI, "not json")
	h.storeCred(t, "u1", gateway.ProviderGemini, "AIzaOther")

	// A present-but-broken credential is the user's error, not absence;
	// surfacing it beats silently routing elsewhere.
	_, err := h.svc.Complete(context.Background(), chatReq("gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	ge := gateway.AsError(err)
	if ge == nil || ge.Status != 400 {
		t.Fatalf("want 400 invalid vertex credentials, got %v", err)
	}
}

func TestCompletePresetInjection(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")
	if err := h.store.UpsertPreset(context.Background(), &gateway.SystemPromptPreset{
		ID: "pre-1", UserID: "u1", Name: "default", Content: "Be terse.", IsDefault: true,
	}); err != nil {
		t.Fatalf("upsert preset: %v", err)
	}

	req := chatReq("gemini:gemini-2.0-flash")
	if _, err := h.svc.Complete(context.Background(), req, testResolvedKey(), "/v1/chat/completions"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got := p.lastReq.Messages
	if len(got) != 2 || got[0].Role != "system" || got[0].Text() != "Be terse." {
		t.Fatalf("messages = %+v", got)
	}
	// Caller's request is untouched.
	if len(req.Messages) != 1 {
		t.Errorf("caller request mutated: %d messages", len(req.Messages))
	}
}

func TestCompletePresetSkippedWhenSystemPresent(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")
	if err := h.store.UpsertPreset(context.Background(), &gateway.SystemPromptPreset{
		ID: "pre-1", UserID: "u1", Name: "default", Content: "Be terse.", IsDefault: true,
	}); err != nil {
		t.Fatalf("upsert preset: %v", err)
	}

	req := chatReq("gemini:gemini-2.0-flash")
	req.Messages = append([]gateway.Message{{Role: "system", Content: gateway.StringContent("mine")}}, req.Messages...)
	if _, err := h.svc.Complete(context.Background(), req, testResolvedKey(), "/v1/chat/completions"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := p.lastReq.Messages; len(got) != 2 || got[0].Text() != "mine" {
		t.Fatalf("messages = %+v", got)
	}
}

func TestCompleteAdapterErrorNormalized(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{
		name: gateway.ProviderGemini,
		completeFn: func(*gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, &provider.APIError{Provider: gateway.ProviderGemini, StatusCode: 429, Body: `{"error":{"message":"quota"}}`}
		},
	}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")

	_, err := h.svc.Complete(context.Background(), chatReq("gemini:gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	ge := gateway.AsError(err)
	if ge == nil || ge.Status != 429 {
		t.Fatalf("want mapped 429, got %v", err)
	}
	if e := h.sink.last(t); e.StatusCode != 429 || e.ErrorMessage == "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestCompleteOpaqueErrorSanitized(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{
		name: gateway.ProviderGemini,
		completeFn: func(*gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, errors.New("GET https://upstream/v1?key=AIzaSecret failed")
		},
	}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")

	_, err := h.svc.Complete(context.Background(), chatReq("gemini:gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions")
	ge := gateway.AsError(err)
	if ge == nil || ge.Status != 502 {
		t.Fatalf("want 502, got %v", err)
	}
	if strings.Contains(ge.Message, "AIzaSecret") {
		t.Errorf("secret leaked: %q", ge.Message)
	}
	if !strings.Contains(ge.Message, "[redacted]") {
		t.Errorf("message = %q", ge.Message)
	}
}

func TestStreamLogsWithoutTokens(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")

	req := chatReq("gemini:gemini-2.0-flash")
	req.Stream = true
	ch, err := h.svc.Stream(context.Background(), req, testResolvedKey(), "/v1/chat/completions")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	for range ch {
	}

	e := h.sink.last(t)
	if !e.Streamed || e.StatusCode != 200 {
		t.Errorf("entry = %+v", e)
	}
	if e.InputTokens != nil || e.OutputTokens != nil {
		t.Errorf("stream entry should carry no token counts: %+v", e)
	}
}

type slowPresetStore struct {
	storage.PresetStore
	delay time.Duration
}

func (s slowPresetStore) GetSystemPromptForModel(ctx context.Context, userID, model string) (*gateway.SystemPromptPreset, error) {
	time.Sleep(s.delay)
	return s.PresetStore.GetSystemPromptForModel(ctx, userID, model)
}

func TestCompleteLatencyExcludesRouting(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: gateway.ProviderGemini}
	h := newProxyHarness(t, p)
	h.storeCred(t, "u1", gateway.ProviderGemini, "k")
	h.svc.presets = slowPresetStore{PresetStore: h.store, delay: 300 * time.Millisecond}

	if _, err := h.svc.Complete(context.Background(), chatReq("gemini:gemini-2.0-flash"), testResolvedKey(), "/v1/chat/completions"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The adapter returns instantly; a latency anywhere near the preset
	// lookup's delay means routing time leaked into the measurement.
	if e := h.sink.last(t); e.LatencyMs >= 250 {
		t.Errorf("latency = %dms, routing overhead included", e.LatencyMs)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"openai key", "auth sk-abcdefghij0123456789 rejected", "auth [redacted] rejected"},
		{"google key", "key AIzaSyA12345678901234567890123456789_ bad", "key [redacted] bad"},
		{"bearer", "header Bearer eyJtoken was sent", "header [redacted] was sent"},
		{"api key header", "x-api-key: secret123 invalid", "[redacted] invalid"},
		{"query param", "GET /v1/models?key=abc123 failed", "GET /v1/models[redacted] failed"},
		{"clean", "connection refused", "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
