package anthropic

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
)

// Frame is one outbound Anthropic SSE event: an event name plus its JSON
// payload.
type Frame struct {
	Event string
	Data  []byte
}

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamTranslator is a stateful transformer turning canonical stream
// chunks into Anthropic Messages SSE events. One instance serves one
// stream; it is not safe for concurrent use.
//
// The terminal message_delta is deferred to the [DONE] sentinel so the
// trailing canonical usage chunk, which arrives after the finish chunk, can
// still be folded into it.
type StreamTranslator struct {
	msgID string
	model string

	messageStartSent bool
	index            int
	nextIndex        int
	current          blockKind

	stopReason string
	usage      MessagesUsage
	stopped    bool
}

// NewStreamTranslator creates a translator for one stream. The message id
// derives from the canonical completion id once the first chunk arrives.
func NewStreamTranslator(model string) *StreamTranslator {
	return &StreamTranslator{model: model, current: blockNone}
}

func frame(event string, payload map[string]any) Frame {
	b, _ := json.Marshal(payload)
	return Frame{Event: event, Data: b}
}

// Next consumes one canonical chunk payload and returns the Anthropic events
// it produces, possibly none.
func (t *StreamTranslator) Next(data []byte) []Frame {
	r := gjson.ParseBytes(data)

	var out []Frame
	if !t.messageStartSent {
		t.messageStartSent = true
		if id := r.Get("id").String(); id != "" {
			t.msgID = MessageID(id)
		} else {
			t.msgID = MessageID(gateway.NewCompletionID())
		}
		out = append(out, frame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            t.msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         t.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		t.usage.InputTokens = int(u.Get("prompt_tokens").Int())
		t.usage.OutputTokens = int(u.Get("completion_tokens").Int())
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return out
	}
	delta := choice.Get("delta")

	if v := delta.Get("reasoning_content"); v.Exists() && v.String() != "" {
		out = append(out, t.openBlock(blockThinking, nil)...)
		out = append(out, frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.index,
			"delta": map[string]any{"type": "thinking_delta", "thinking": v.String()},
		}))
	}

	if v := delta.Get("content"); v.Exists() && v.String() != "" {
		out = append(out, t.openBlock(blockText, nil)...)
		out = append(out, frame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.index,
			"delta": map[string]any{"type": "text_delta", "text": v.String()},
		}))
	}

	delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if id := tc.Get("id"); id.Exists() {
			out = append(out, t.openBlock(blockToolUse, map[string]any{
				"type":  "tool_use",
				"id":    id.String(),
				"name":  tc.Get("function.name").String(),
				"input": map[string]any{},
			})...)
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			out = append(out, frame("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": t.index,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args},
			}))
		}
		return true
	})

	if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
		out = append(out, t.closeBlock()...)
		t.stopReason = stopReason(fr.String())
	}
	return out
}

// openBlock switches to a block of the given kind, closing any open block of
// a different kind. Same-kind text and thinking blocks continue; tool_use
// always opens fresh.
func (t *StreamTranslator) openBlock(kind blockKind, contentBlock map[string]any) []Frame {
	if t.current == kind && kind != blockToolUse {
		return nil
	}
	var out []Frame
	out = append(out, t.closeBlock()...)
	t.index = t.nextIndex
	t.nextIndex++
	t.current = kind
	if contentBlock == nil {
		switch kind {
		case blockText:
			contentBlock = map[string]any{"type": "text", "text": ""}
		case blockThinking:
			contentBlock = map[string]any{"type": "thinking", "thinking": ""}
		}
	}
	out = append(out, frame("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         t.index,
		"content_block": contentBlock,
	}))
	return out
}

func (t *StreamTranslator) closeBlock() []Frame {
	if t.current == blockNone {
		return nil
	}
	f := frame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.index,
	})
	t.current = blockNone
	return []Frame{f}
}

// Done handles the canonical [DONE] terminator: close any open block, emit
// the terminal message_delta and message_stop.
func (t *StreamTranslator) Done() []Frame {
	if t.stopped {
		return nil
	}
	t.stopped = true

	var out []Frame
	out = append(out, t.closeBlock()...)

	reason := t.stopReason
	if reason == "" {
		reason = "end_turn"
	}
	out = append(out, frame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": reason, "stop_sequence": nil},
		"usage": map[string]any{
			"input_tokens":  t.usage.InputTokens,
			"output_tokens": t.usage.OutputTokens,
		},
	}))
	out = append(out, frame("message_stop", map[string]any{"type": "message_stop"}))
	return out
}
