// Package anthropic adapts the canonical chat API onto the Anthropic agent
// protocol used on the OAuth path. The protocol is single-turn, so the
// adapter folds the conversation into one system+prompt pair, bridges
// function tools through namespaced agent tools, and recovers reasoning from
// prompt-elicited <thinking> tags.
package anthropic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/agent"
	"github.com/oakmund/strider/internal/provider"
)

const defaultBaseURL = "https://api.anthropic.com"

var _ gateway.Provider = (*Client)(nil)

// Client is the anthropic-agent provider adapter. It holds no credentials;
// each call carries the caller's OAuth access token.
type Client struct {
	proto   *agent.Client
	baseURL string
	http    *http.Client
}

// New creates the adapter. If baseURL is empty the public endpoint is used.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		proto:   agent.NewClient(baseURL, resolver),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    provider.NewHTTPClient(resolver),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() gateway.ProviderType { return gateway.ProviderAnthropicAgent }

func (c *Client) query(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan agent.Event, *promptSpec, error) {
	if req.N > 1 {
		return nil, nil, gateway.BadRequestParam("unsupported_parameter", "Parameter 'n' > 1 is not supported", "n")
	}

	spec := buildPrompt(req)
	events, err := c.proto.Query(ctx, &agent.QueryOptions{
		Model:        req.Model,
		SystemPrompt: spec.System,
		Prompt:       spec.Prompt,
		PromptBlocks: spec.Blocks,
		Tools:        buildTools(req.Tools),
		MaxTurns:     1,
		AccessToken:  cred.AccessToken,
	})
	if err != nil {
		if apiErr, ok := err.(*agent.APIError); ok {
			return nil, nil, &provider.APIError{
				Provider:   gateway.ProviderAnthropicAgent,
				StatusCode: apiErr.StatusCode,
				Body:       apiErr.Body,
			}
		}
		return nil, nil, err
	}
	return events, spec, nil
}

// thinkingRe matches a thinking block anchored at the start of the response.
// Thinking markup appearing later in the text is left alone.
var thinkingRe = regexp.MustCompile(`(?s)^\s*<thinking>(.*?)</thinking>\s*`)

// Complete runs a non-streaming completion by consuming the full event
// stream and assembling the final assistant message.
func (c *Client) Complete(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (*gateway.ChatResponse, error) {
	events, spec, err := c.query(ctx, req, cred)
	if err != nil {
		return nil, err
	}

	var (
		msg     *agent.AssistantMessage
		usage   *agent.Usage
		subtype string
		errs    []string
	)
	for e := range events {
		switch e.Type {
		case agent.EventAssistant:
			msg = e.Message
		case agent.EventResult:
			subtype, usage, errs = e.Subtype, e.Usage, e.Errors
		}
	}
	if subtype != agent.ResultSuccess && subtype != agent.ResultMaxTurns {
		detail := strings.Join(errs, "; ")
		if detail == "" {
			detail = "agent run failed"
		}
		return nil, gateway.UpstreamError(http.StatusBadGateway, detail)
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		toolCalls []gateway.ToolCall
	)
	if msg != nil {
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "thinking":
				reasoning.WriteString(block.Thinking)
			case "tool_use":
				args := string(block.Input)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, gateway.ToolCall{
					ID:   gateway.NewToolCallID(),
					Type: "function",
					Function: gateway.FunctionCall{
						Name:      stripToolName(block.Name),
						Arguments: args,
					},
				})
			case "image":
				if block.Source != nil && block.Source.Type == "base64" {
					fmt.Fprintf(&text, "![image](data:%s;base64,%s)",
						block.Source.MediaType, block.Source.Data)
				}
			}
		}
	}

	content := text.String()
	if spec.ThinkingRequested {
		if m := thinkingRe.FindStringSubmatch(content); m != nil {
			reasoning.WriteString(m[1])
			content = content[len(m[0]):]
		}
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	choiceMsg := gateway.ChoiceMessage{
		Role:             "assistant",
		ReasoningContent: reasoning.String(),
		ToolCalls:        toolCalls,
	}
	if content != "" || len(toolCalls) == 0 {
		choiceMsg.Content = &content
	}

	resp := &gateway.ChatResponse{
		ID:      gateway.NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.Choice{{Index: 0, Message: choiceMsg, FinishReason: finish}},
	}
	if usage != nil {
		resp.Usage = &gateway.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
	}
	return resp, nil
}

// Stream runs a streaming completion through the canonical-chunk state
// machine in stream.go.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest, cred gateway.Credential) (<-chan gateway.StreamChunk, error) {
	events, spec, err := c.query(ctx, req, cred)
	if err != nil {
		return nil, err
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	ch := make(chan gateway.StreamChunk, 8)
	sm := &streamState{
		id:                gateway.NewCompletionID(),
		model:             req.Model,
		thinkingRequested: spec.ThinkingRequested,
		includeUsage:      includeUsage,
	}
	go sm.run(ctx, events, ch)
	return ch, nil
}

// ListModels returns the Anthropic model list available to this token.
func (c *Client) ListModels(ctx context.Context, cred gateway.Credential) ([]gateway.ModelEntry, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	agent.CLIHeaders(httpReq.Header, cred.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(gateway.ProviderAnthropicAgent, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	now := time.Now().Unix()
	var entries []gateway.ModelEntry
	gjson.ParseBytes(respBody).Get("data").ForEach(func(_, model gjson.Result) bool {
		created := now
		if t, err := time.Parse(time.RFC3339, model.Get("created_at").String()); err == nil {
			created = t.Unix()
		}
		entries = append(entries, gateway.ModelEntry{
			ID:      model.Get("id").String(),
			Object:  "model",
			Created: created,
			OwnedBy: "anthropic-claude-code",
		})
		return true
	})
	return entries, nil
}
