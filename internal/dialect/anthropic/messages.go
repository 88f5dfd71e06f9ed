// Package anthropic translates the Anthropic Messages dialect to and from
// the canonical chat shape. Inbound requests on /v1/messages pass through
// here before hitting the proxy core; responses and stream chunks are
// translated back on the way out.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	gateway "github.com/oakmund/strider/internal"
)

// MessagesRequest is the inbound Anthropic Messages request.
type MessagesRequest struct {
	Model         string            `json:"model"`
	Messages      []InboundMessage  `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	System        json.RawMessage   `json:"system,omitempty"`
	Tools         []InboundTool     `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Thinking      *gateway.Thinking `json:"thinking,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
}

// InboundMessage carries one Messages-dialect turn. Content is a string or a
// block array.
type InboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// InboundTool is an Anthropic tool definition.
type InboundTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// inboundBlock is one content block inside a message.
type inboundBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Source    *blockSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Validate checks the Messages shape before translation.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return gateway.BadRequestParam(gateway.CodeInvalidRequest, "model is required", "model")
	}
	if len(r.Messages) == 0 {
		return gateway.BadRequestParam(gateway.CodeInvalidRequest, "messages must not be empty", "messages")
	}
	if r.MaxTokens <= 0 {
		return gateway.BadRequestParam(gateway.CodeInvalidRequest, "max_tokens is required", "max_tokens")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return gateway.BadRequestParam(gateway.CodeInvalidRequest,
				fmt.Sprintf("messages[%d].role must be user or assistant", i), "messages")
		}
		if len(m.Content) == 0 {
			return gateway.BadRequestParam(gateway.CodeInvalidRequest,
				fmt.Sprintf("messages[%d].content is required", i), "messages")
		}
	}
	return nil
}

// ToCanonical translates the validated request into the canonical shape.
func (r *MessagesRequest) ToCanonical() (*gateway.ChatRequest, error) {
	req := &gateway.ChatRequest{
		Model:       r.Model,
		MaxTokens:   &r.MaxTokens,
		Stream:      r.Stream,
		Thinking:    r.Thinking,
		Temperature: r.Temperature,
		TopP:        r.TopP,
	}
	if len(r.StopSequences) > 0 {
		stop, _ := json.Marshal(r.StopSequences)
		req.Stop = stop
	}

	if sys := systemText(r.System); sys != "" {
		req.Messages = append(req.Messages, gateway.Message{
			Role: "system", Content: gateway.StringContent(sys),
		})
	}

	for i := range r.Messages {
		msgs, err := translateMessage(&r.Messages[i])
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msgs...)
	}

	for _, t := range r.Tools {
		req.Tools = append(req.Tools, gateway.Tool{
			Type: "function",
			Function: gateway.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	req.ToolChoice = translateToolChoice(r.ToolChoice)
	return req, nil
}

// systemText flattens the system field: a plain string or text blocks.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []inboundBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// translateMessage converts one inbound message into one or more canonical
// messages. tool_result blocks split off as role:"tool" messages ahead of
// the remaining user content.
func translateMessage(m *InboundMessage) ([]gateway.Message, error) {
	var s string
	if json.Unmarshal(m.Content, &s) == nil {
		return []gateway.Message{{Role: m.Role, Content: gateway.StringContent(s)}}, nil
	}

	var blocks []inboundBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, gateway.BadRequestParam(gateway.CodeInvalidRequest,
			"message content must be a string or an array of blocks", "messages")
	}

	if m.Role == "assistant" {
		return []gateway.Message{translateAssistant(blocks)}, nil
	}

	var out []gateway.Message
	var parts []gateway.ContentPart
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, gateway.ContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			parts = append(parts, gateway.ContentPart{Type: "image_url", ImageURL: &gateway.ImageURL{URL: url}})
		case "tool_result":
			out = append(out, gateway.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    gateway.StringContent(toolResultText(b.Content)),
			})
		}
	}
	if len(parts) > 0 {
		content, _ := json.Marshal(parts)
		out = append(out, gateway.Message{Role: "user", Content: content})
	}
	if len(out) == 0 {
		out = append(out, gateway.Message{Role: "user", Content: gateway.StringContent("")})
	}
	return out, nil
}

func translateAssistant(blocks []inboundBlock) gateway.Message {
	msg := gateway.Message{Role: "assistant"}
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, gateway.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: gateway.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = gateway.StringContent(text.String())
	return msg
}

// toolResultText flattens a tool_result content field: a string stays as is,
// anything structured is carried as its JSON text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// translateToolChoice maps the Anthropic tool_choice onto the canonical
// OpenAI convention.
func translateToolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return json.RawMessage(`"auto"`)
	case "any":
		return json.RawMessage(`"required"`)
	case "tool":
		out, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		})
		return out
	}
	return nil
}

// MessagesResponse is the outbound Anthropic Messages response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []OutboundBlock `json:"content"`
	Model        string          `json:"model"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        MessagesUsage   `json:"usage"`
}

// OutboundBlock is one content block in a Messages response.
type OutboundBlock struct {
	Type     string
	Text     string
	Thinking string
	ID       string
	Name     string
	Input    json.RawMessage
}

// MarshalJSON renders only the keys of the block's type, keeping "text": ""
// present on empty text blocks.
func (b OutboundBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case "thinking":
		return json.Marshal(struct {
			Type     string `json:"type"`
			Thinking string `json:"thinking"`
		}{b.Type, b.Thinking})
	case "tool_use":
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, b.Input})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	}
}

// MessagesUsage is the Anthropic usage object.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageID derives the Anthropic message id from a canonical completion id.
func MessageID(completionID string) string {
	return "msg_" + strings.TrimPrefix(completionID, "chatcmpl-")
}

// FromCanonical translates a canonical response into the Messages shape.
func FromCanonical(resp *gateway.ChatResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    MessageID(resp.ID),
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = MessagesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	if len(resp.Choices) == 0 {
		out.Content = []OutboundBlock{{Type: "text"}}
		return out
	}
	choice := resp.Choices[0]

	if choice.Message.ReasoningContent != "" {
		out.Content = append(out.Content, OutboundBlock{
			Type: "thinking", Thinking: choice.Message.ReasoningContent,
		})
	}
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, OutboundBlock{
			Type: "text", Text: *choice.Message.Content,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			args = "{}"
		}
		out.Content = append(out.Content, OutboundBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	if len(out.Content) == 0 {
		out.Content = []OutboundBlock{{Type: "text"}}
	}

	if sr := stopReason(choice.FinishReason); sr != "" {
		out.StopReason = &sr
	}
	return out
}

// stopReason maps a canonical finish_reason onto the Anthropic stop_reason.
// Unknown reasons map to empty (rendered as null).
func stopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	}
	return ""
}
