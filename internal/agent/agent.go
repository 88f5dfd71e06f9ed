// Package agent implements the client side of the single-turn Anthropic
// agent protocol used on the OAuth path. A query opens one streaming
// exchange and surfaces it as a typed event sequence: system init, raw
// stream events, the accumulated assistant message, and a terminal result
// carrying usage.
package agent

import (
	"encoding/json"
)

// Event types produced by a query.
const (
	EventSystem      = "system"
	EventStreamEvent = "stream_event"
	EventAssistant   = "assistant"
	EventResult      = "result"
)

// Result subtypes.
const (
	ResultSuccess  = "success"
	ResultMaxTurns = "error_max_turns"
	ResultError    = "error_during_execution"
)

// Event is a single protocol event.
type Event struct {
	Type    string
	Subtype string
	// Raw carries the upstream event JSON for stream_event.
	Raw json.RawMessage
	// Message carries the accumulated assistant message for assistant events.
	Message *AssistantMessage
	// Usage and Errors are set on result events.
	Usage  *Usage
	Errors []string
}

// AssistantMessage is the accumulated message at the end of a turn.
type AssistantMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one Anthropic content block. Exactly one payload field is
// meaningful per type.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "image"
	Text string `json:"text,omitempty"`
	// Thinking is the reasoning text of a thinking block.
	Thinking string `json:"thinking,omitempty"`
	// Tool use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// Image source (base64 output or input blocks).
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an Anthropic image source block.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Usage is the token usage reported on the result event.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDef declares a tool the model may call. Handlers are never run by the
// gateway; the single-turn cap stops the agent after it emits tool_use
// blocks, and the caller receives them instead.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// QueryOptions configures a single agent query.
type QueryOptions struct {
	Model        string
	SystemPrompt string
	// Prompt is the plain-text user prompt. PromptBlocks takes precedence
	// when set (multimodal path).
	Prompt       string
	PromptBlocks []ContentBlock
	Tools        []ToolDef
	// MaxTurns caps agent turns. The gateway always uses 1: the agent must
	// stop after emitting tool calls rather than executing them.
	MaxTurns int
	// AccessToken is the caller's OAuth access token. Credentials are
	// per-query; the client itself holds none.
	AccessToken string
	MaxTokens   int
}
