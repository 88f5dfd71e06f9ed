package sseutil

import (
	"encoding/json"
	"time"

	gateway "github.com/oakmund/strider/internal"
)

// base returns the shared canonical chunk envelope.
func base(id, model string, choices []map[string]any) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": choices,
	}
	b, _ := json.Marshal(chunk)
	return b
}

// BuildRoleChunk builds the role prelude emitted as the first chunk of
// every stream: delta {role:"assistant", content:""}.
func BuildRoleChunk(id, model string) []byte {
	return base(id, model, []map[string]any{{
		"index":         0,
		"delta":         map[string]any{"role": "assistant", "content": ""},
		"finish_reason": nil,
	}})
}

// BuildDeltaChunk builds a canonical streaming chunk with an arbitrary delta.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	return base(id, model, []map[string]any{{
		"index":         0,
		"delta":         delta,
		"finish_reason": NilOrString(finishReason),
	}})
}

// BuildContentChunk builds a text content delta.
func BuildContentChunk(id, model, text string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{"content": text}, "")
}

// BuildReasoningChunk builds a reasoning_content delta.
func BuildReasoningChunk(id, model, text string) []byte {
	return BuildDeltaChunk(id, model, map[string]any{"reasoning_content": text}, "")
}

// BuildToolCallInitChunk announces a tool call: its index, ID, and function
// name with empty arguments. Argument deltas must follow, never precede, this
// chunk for the same index.
func BuildToolCallInitChunk(id, model string, index int, callID, name string) []byte {
	return base(id, model, []map[string]any{{
		"index": 0,
		"delta": map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"id":    callID,
				"type":  "function",
				"function": map[string]any{
					"name":      name,
					"arguments": "",
				},
			}},
		},
		"finish_reason": nil,
	}})
}

// BuildToolCallDeltaChunk builds an arguments delta for an announced tool call.
func BuildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	return base(id, model, []map[string]any{{
		"index": 0,
		"delta": map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"function": map[string]any{
					"arguments": argumentsDelta,
				},
			}},
		},
		"finish_reason": nil,
	}})
}

// BuildFinishChunk builds the closing chunk with finish_reason set.
func BuildFinishChunk(id, model, finishReason string) []byte {
	return base(id, model, []map[string]any{{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": finishReason,
	}})
}

// BuildUsageChunk builds the trailing usage chunk sent when the caller asked
// for stream_options.include_usage. Its choices array is empty.
func BuildUsageChunk(id, model string, usage *gateway.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// NilOrString returns nil if s is empty, otherwise s.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
