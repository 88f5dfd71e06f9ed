package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var _ gateway.Provider = (*Client)(nil)

// Client is the Gemini provider adapter. It is stateless with respect to
// credentials: each call carries the caller's resolved API key.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Gemini Client. If baseURL is empty it defaults to the
// public Gemini API endpoint. If resolver is non-nil, DNS lookups are cached.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    provider.NewHTTPClient(resolver),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() gateway.ProviderType { return gateway.ProviderGemini }

// Complete sends a non-streaming generateContent request.
func (c *Client) Complete(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(TranslateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderGemini, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}
	return TranslateResponse(respBody, req.Model, time.Now().Unix())
}

// Stream sends a streaming generateContent request.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(TranslateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, req.Model, cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(gateway.ProviderGemini, resp)
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	ch := make(chan gateway.StreamChunk, 8)
	go ReadStream(ctx, resp.Body, ch, gateway.NewCompletionID(), req.Model, includeUsage)
	return ch, nil
}

// ListModels returns the Gemini models available to this key.
func (c *Client) ListModels(ctx context.Context, cred gateway.Credential) ([]gateway.ModelEntry, error) {
	u := fmt.Sprintf("%s/models?key=%s", c.baseURL, cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderGemini, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	now := time.Now().Unix()
	var entries []gateway.ModelEntry
	gjson.ParseBytes(respBody).Get("models").ForEach(func(_, model gjson.Result) bool {
		name := strings.TrimPrefix(model.Get("name").String(), "models/")
		if !strings.Contains(name, "gemini") {
			return true
		}
		entries = append(entries, gateway.ModelEntry{
			ID: name, Object: "model", Created: now, OwnedBy: "google",
		})
		return true
	})
	return entries, nil
}
