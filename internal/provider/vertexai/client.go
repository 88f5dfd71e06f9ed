// Package vertexai implements the gateway.Provider adapter for Gemini models
// served through Vertex AI. Translation is shared with the gemini package;
// only the URL shape and the structured credential differ.
package vertexai

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
	"github.com/oakmund/strider/internal/provider/gemini"
)

var _ gateway.Provider = (*Client)(nil)

// Client is the Vertex AI provider adapter.
type Client struct {
	// baseURLOverride replaces the per-region URL when set; used in tests.
	baseURLOverride string
	http            *http.Client
}

// New creates a Vertex AI Client. If resolver is non-nil, DNS lookups are
// cached.
func New(baseURLOverride string, resolver *dnscache.Resolver) *Client {
	return &Client{
		baseURLOverride: strings.TrimRight(baseURLOverride, "/"),
		http:            provider.NewHTTPClient(resolver),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() gateway.ProviderType { return gateway.ProviderVertexAI }

// modelsBase returns ".../projects/{project}/locations/{region}/publishers/google/models".
func (c *Client) modelsBase(cred gateway.Credential) string {
	base := c.baseURLOverride
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1beta1", cred.Region)
	}
	return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models",
		base, cred.ProjectID, cred.Region)
}

// Complete sends a non-streaming generateContent request.
func (c *Client) Complete(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (*gateway.ChatResponse, error) {
	body, err := json.Marshal(gemini.TranslateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vertexai: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/%s:generateContent?key=%s", c.modelsBase(cred), req.Model, cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertexai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vertexai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderVertexAI, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("vertexai: read response: %w", err)
	}
	return gemini.TranslateResponse(respBody, req.Model, time.Now().Unix())
}

// Stream sends a streaming generateContent request.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan gateway.StreamChunk, error) {
	body, err := json.Marshal(gemini.TranslateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vertexai: marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s", c.modelsBase(cred), req.Model, cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertexai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vertexai: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(gateway.ProviderVertexAI, resp)
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	ch := make(chan gateway.StreamChunk, 8)
	go gemini.ReadStream(ctx, resp.Body, ch, gateway.NewCompletionID(), req.Model, includeUsage)
	return ch, nil
}

// ListModels returns the Gemini models published through this Vertex project.
func (c *Client) ListModels(ctx context.Context, cred gateway.Credential) ([]gateway.ModelEntry, error) {
	u := fmt.Sprintf("%s?key=%s", c.modelsBase(cred), cred.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("vertexai: create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vertexai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderVertexAI, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vertexai: read response: %w", err)
	}

	now := time.Now().Unix()
	var entries []gateway.ModelEntry
	gjson.ParseBytes(respBody).Get("publisherModels").ForEach(func(_, model gjson.Result) bool {
		name := model.Get("name").String()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
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
