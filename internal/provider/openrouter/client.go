// Package openrouter implements the gateway.Provider adapter for OpenRouter.
// The upstream is already OpenAI-shaped, so translation is a passthrough:
// requests forward as-is and streaming lines relay through a buffered line
// decoder.
package openrouter

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
	"github.com/oakmund/strider/internal/provider/sseutil"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

var _ gateway.Provider = (*Client)(nil)

// Client is the OpenRouter provider adapter.
type Client struct {
	baseURL string
	referer string
	title   string
	http    *http.Client
}

// New creates an OpenRouter Client. referer and title feed the HTTP-Referer
// and X-Title attribution headers OpenRouter asks applications to send.
func New(baseURL, referer, title string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		referer: referer,
		title:   title,
		http:    provider.NewHTTPClient(resolver),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() gateway.ProviderType { return gateway.ProviderOpenRouter }

func (c *Client) setHeaders(h http.Header, cred gateway.Credential) {
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+cred.APIKey)
	if c.referer != "" {
		h.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		h.Set("X-Title", c.title)
	}
}

// Complete forwards a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (*gateway.ChatResponse, error) {
	out := *req
	out.Stream = false
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	c.setHeaders(httpReq.Header, cred)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderOpenRouter, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("openrouter: read response: %w", err)
	}

	var cr gateway.ChatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("openrouter: decode response: %w", err)
	}
	return &cr, nil
}

// Stream forwards a streaming chat completion, relaying upstream chunks.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan gateway.StreamChunk, error) {
	out := *req
	out.Stream = true
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	c.setHeaders(httpReq.Header, cred)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(gateway.ProviderOpenRouter, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, gateway.ProviderOpenRouter, resp, ch)
	return ch, nil
}

// ListModels returns the OpenRouter catalog as canonical entries.
func (c *Client) ListModels(ctx context.Context, cred gateway.Credential) ([]gateway.ModelEntry, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openrouter: create request: %w", err)
	}
	c.setHeaders(httpReq.Header, cred)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderOpenRouter, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("openrouter: read response: %w", err)
	}

	now := time.Now().Unix()
	var entries []gateway.ModelEntry
	gjson.ParseBytes(respBody).Get("data").ForEach(func(_, model gjson.Result) bool {
		created := model.Get("created").Int()
		if created == 0 {
			created = now
		}
		entries = append(entries, gateway.ModelEntry{
			ID:      model.Get("id").String(),
			Object:  "model",
			Created: created,
			OwnedBy: "openrouter",
		})
		return true
	})
	return entries, nil
}
