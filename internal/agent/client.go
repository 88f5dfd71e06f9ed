package agent

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
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultMaxTokens = 32000

	anthropicVersion = "2023-06-01"
	oauthBeta        = "oauth-2025-04-20"

	// cliIdentity must be the first system block on OAuth queries; the
	// upstream rejects OAuth tokens whose system prompt does not open with
	// the CLI identity.
	cliIdentity = "You are Claude Code, Anthropic's official CLI for Claude."

	userAgent = "claude-cli/1.0.83 (external, cli)"
)

// Client speaks the agent protocol over HTTPS. It is stateless; each query
// carries its own OAuth token.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a protocol client. If baseURL is empty the public
// endpoint is used.
func NewClient(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: newTransport(resolver)},
	}
}

func newTransport(resolver *dnscache.Resolver) http.RoundTripper {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = dnscacheDial(resolver)
	}
	return t
}

// APIError is a non-2xx reply from the agent endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Query opens a single-turn streaming exchange. The returned channel emits
// a system init event, the raw stream events, the accumulated assistant
// message, and a terminal result; it closes after the result. Cancelling
// ctx closes the upstream connection.
func (c *Client) Query(ctx context.Context, opts *QueryOptions) (<-chan Event, error) {
	body, err := json.Marshal(c.buildRequest(opts))
	if err != nil {
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: create request: %w", err)
	}
	c.setHeaders(httpReq.Header, opts.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	ch := make(chan Event, 8)
	go c.readEvents(ctx, resp.Body, ch)
	return ch, nil
}

// buildRequest assembles the wire request. The CLI identity is always the
// first system block; the caller's system prompt follows as a second block.
// Native extended thinking stays disabled; reasoning is prompt-driven.
func (c *Client) buildRequest(opts *QueryOptions) map[string]any {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := []map[string]any{{"type": "text", "text": cliIdentity}}
	if opts.SystemPrompt != "" {
		system = append(system, map[string]any{"type": "text", "text": opts.SystemPrompt})
	}

	var content any = opts.Prompt
	if len(opts.PromptBlocks) > 0 {
		content = opts.PromptBlocks
	}

	req := map[string]any{
		"model":      opts.Model,
		"max_tokens": maxTokens,
		"system":     system,
		"messages":   []map[string]any{{"role": "user", "content": content}},
		"stream":     true,
	}
	if len(opts.Tools) > 0 {
		req["tools"] = opts.Tools
	}
	return req
}

func (c *Client) setHeaders(h http.Header, accessToken string) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "text/event-stream")
	CLIHeaders(h, accessToken)
}

// CLIHeaders applies the OAuth bearer and CLI identification headers used on
// every agent endpoint call.
func CLIHeaders(h http.Header, accessToken string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("anthropic-version", anthropicVersion)
	h.Set("anthropic-beta", oauthBeta)
	h.Set("User-Agent", userAgent)
	h.Set("X-App", "cli")
}

// readEvents consumes the upstream SSE stream, relays each event raw, and
// accumulates the assistant message for the terminal events.
func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	send := func(e Event) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(Event{Type: EventSystem, Subtype: "init"}) {
		return
	}

	var (
		acc        accumulator
		usage      Usage
		stopReason string
		errTexts   []string
	)

	scanner := newLineScanner(body)
	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == ':' {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch key {
		case "event":
			currentEvent = value
			continue
		case "data":
		default:
			continue
		}
		data := value

		r := gjson.Parse(data)
		eventType := currentEvent
		if eventType == "" {
			eventType = r.Get("type").String()
		}

		switch eventType {
		case "message_start":
			usage.InputTokens = int(r.Get("message.usage.input_tokens").Int())
		case "content_block_start":
			acc.startBlock(int(r.Get("index").Int()), r.Get("content_block"))
		case "content_block_delta":
			acc.applyDelta(int(r.Get("index").Int()), r.Get("delta"))
		case "content_block_stop":
			acc.stopBlock(int(r.Get("index").Int()))
		case "message_delta":
			if v := r.Get("usage.output_tokens"); v.Exists() {
				usage.OutputTokens = int(v.Int())
			}
			if v := r.Get("delta.stop_reason"); v.Exists() {
				stopReason = v.String()
			}
		case "error":
			errTexts = append(errTexts, r.Get("error.message").String())
		}

		if !send(Event{Type: EventStreamEvent, Raw: json.RawMessage(data)}) {
			return
		}
		currentEvent = ""
	}

	if err := scanner.Err(); err != nil {
		send(Event{Type: EventResult, Subtype: ResultError,
			Errors: append(errTexts, fmt.Sprintf("read stream: %v", err))})
		return
	}
	if len(errTexts) > 0 {
		send(Event{Type: EventResult, Subtype: ResultError, Errors: errTexts})
		return
	}

	if msg := acc.message(); msg != nil {
		if !send(Event{Type: EventAssistant, Message: msg}) {
			return
		}
	}

	subtype := ResultSuccess
	if stopReason == "max_turns" {
		subtype = ResultMaxTurns
	}
	send(Event{Type: EventResult, Subtype: subtype, Usage: &usage})
}
