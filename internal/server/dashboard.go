package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/app"
	"github.com/oakmund/strider/internal/oauth"
)

// maxDashboardBody is the maximum allowed dashboard request body size (1 MB).
const maxDashboardBody = 1 << 20

// stateCookie parks the PKCE verifier between start and callback.
const stateCookie = "strider_oauth_state"

type sessionCtxKey struct{}

func sessionUserID(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

// sessionAuth validates the dashboard session and stores the user ID in the
// request context. Dashboard errors use the {"error":"…"} envelope.
func (s *server) sessionAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.deps.Session.Validate(r.Context(), r)
		if err != nil {
			dashboardError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		ctx := context.WithValue(r.Context(), sessionCtxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeDashboardJSON limits body size and decodes JSON into v, writing a
// 400 on failure.
func decodeDashboardJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxDashboardBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		dashboardError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeDashboardError logs the full error server-side and returns a
// sanitized message so store internals never leak to the browser.
func writeDashboardError(w http.ResponseWriter, r *http.Request, err error) {
	if ge := gateway.AsError(err); ge != nil {
		dashboardError(w, ge.Status, ge.Message)
		return
	}
	if errors.Is(err, gateway.ErrNotFound) {
		dashboardError(w, http.StatusNotFound, "not found")
		return
	}
	slog.LogAttrs(r.Context(), slog.LevelError, "dashboard error",
		slog.String("error", err.Error()),
	)
	dashboardError(w, http.StatusInternalServerError, "internal error")
}

// --- Session validation ---

// HTTPSession validates dashboard sessions against an external endpoint by
// forwarding the caller's cookie and Authorization headers.
type HTTPSession struct {
	Endpoint string
	Client   *http.Client
}

// Validate implements SessionValidator.
func (h *HTTPSession) Validate(ctx context.Context, r *http.Request) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("session request: %w", err)
	}
	if c := r.Header.Get("Cookie"); c != "" {
		req.Header.Set("Cookie", c)
	}
	if a := r.Header.Get("Authorization"); a != "" {
		req.Header.Set("Authorization", a)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("validate session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDashboardBody))
	if err != nil {
		return "", fmt.Errorf("read session response: %w", err)
	}
	userID := gjson.GetBytes(body, "userId").String()
	if userID == "" {
		return "", errors.New("session response missing userId")
	}
	return userID, nil
}

// --- Proxy keys ---

type createKeyRequest struct {
	Name               string `json:"name"`
	RateLimitPerMinute *int   `json:"rate_limit_per_minute,omitempty"`
}

type createKeyResponse struct {
	Key    string            `json:"key"` // raw key, shown exactly once
	Record *gateway.ProxyKey `json:"record"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeDashboardJSON(w, r, &req) {
		return
	}
	raw, record, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		UserID:             sessionUserID(r.Context()),
		Name:               req.Name,
		RateLimitPerMinute: req.RateLimitPerMinute,
	})
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: raw, Record: record})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Keys.ListKeys(r.Context(), sessionUserID(r.Context()))
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.ProxyKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !decodeDashboardJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		dashboardError(w, http.StatusBadRequest, "is_active is required")
		return
	}
	if err := s.deps.Keys.SetActive(r.Context(), sessionUserID(r.Context()), chi.URLParam(r, "id"), *req.IsActive); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_active": *req.IsActive})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Keys.DeleteKey(r.Context(), sessionUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Upstream credentials ---

type storeCredentialRequest struct {
	ProviderType string `json:"provider_type"`
	Credential   string `json:"credential"`
}

func parseProviderType(s string) (gateway.ProviderType, bool) {
	switch pt := gateway.ProviderType(s); pt {
	case gateway.ProviderAnthropicAgent, gateway.ProviderGemini,
		gateway.ProviderVertexAI, gateway.ProviderOpenRouter:
		return pt, true
	}
	return "", false
}

// handleStoreCredential encrypts a pasted credential server-side; plaintext
// never reaches the store.
func (s *server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req storeCredentialRequest
	if !decodeDashboardJSON(w, r, &req) {
		return
	}
	pt, ok := parseProviderType(req.ProviderType)
	if !ok || pt == gateway.ProviderAnthropicAgent {
		dashboardError(w, http.StatusBadRequest, "unsupported provider_type")
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		dashboardError(w, http.StatusBadRequest, "credential must not be empty")
		return
	}

	blob, iv, err := s.deps.Cipher.Encrypt(req.Credential)
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	now := time.Now().UTC()
	if err := s.deps.Credentials.UpsertCredential(r.Context(), &gateway.UpstreamCredential{
		UserID:          sessionUserID(r.Context()),
		ProviderType:    pt,
		EncryptedAPIKey: blob,
		IV:              iv,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"provider_type": string(pt)})
}

func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Credentials.ListCredentials(r.Context(), sessionUserID(r.Context()))
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	// Only metadata goes to the browser; ciphertext fields are json:"-".
	if creds == nil {
		creds = []*gateway.UpstreamCredential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	pt, ok := parseProviderType(chi.URLParam(r, "providerType"))
	if !ok {
		dashboardError(w, http.StatusBadRequest, "unsupported provider_type")
		return
	}
	if err := s.deps.Credentials.DeleteCredential(r.Context(), sessionUserID(r.Context()), pt); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Anthropic OAuth ---

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.OAuth.BeginAuthorization(sessionUserID(r.Context()))
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	value, err := s.deps.Cookies.Encode(a)
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    value,
		Path:     "/api/oauth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"url": a.URL})
}

// parkedAuthorization reads and verifies the state cookie.
func (s *server) parkedAuthorization(r *http.Request) (*oauth.Authorization, error) {
	c, err := r.Cookie(stateCookie)
	if err != nil {
		return nil, oauth.ErrBadCookie
	}
	a, err := s.deps.Cookies.Decode(c.Value)
	if err != nil {
		return nil, err
	}
	if a.UserID != sessionUserID(r.Context()) {
		return nil, oauth.ErrBadCookie
	}
	return a, nil
}

func (s *server) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/api/oauth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	a, err := s.parkedAuthorization(r)
	if err != nil {
		dashboardError(w, http.StatusBadRequest, "invalid or expired authorization state")
		return
	}
	q := r.URL.Query()
	if q.Get("state") != a.State {
		dashboardError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	code := q.Get("code")
	if code == "" {
		dashboardError(w, http.StatusBadRequest, "missing code")
		return
	}
	if err := s.deps.OAuth.Exchange(r.Context(), a.UserID, code, a.Verifier); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	s.clearStateCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

// handleOAuthExchange redeems a manually pasted code. Anthropic hands the
// user "code#state"; the state half is checked against the parked cookie
// when present.
func (s *server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeDashboardJSON(w, r, &req) {
		return
	}
	a, err := s.parkedAuthorization(r)
	if err != nil {
		dashboardError(w, http.StatusBadRequest, "invalid or expired authorization state")
		return
	}

	code, pastedState, _ := strings.Cut(req.Code, "#")
	if code == "" {
		dashboardError(w, http.StatusBadRequest, "missing code")
		return
	}
	if pastedState != "" && pastedState != a.State {
		dashboardError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	if err := s.deps.OAuth.Exchange(r.Context(), a.UserID, code, a.Verifier); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	s.clearStateCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *server) handleOAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.OAuth.Clear(r.Context(), sessionUserID(r.Context())); err != nil {
		writeDashboardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

func (s *server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.OAuth.ConnectionStatus(r.Context(), sessionUserID(r.Context()))
	if err != nil {
		writeDashboardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
