package gemini

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/provider/sseutil"
)

// ReadStream reads Gemini SSE events and emits canonical StreamChunks.
// Gemini streaming has no "event:" field and no "[DONE]" sentinel; the
// stream is EOF-terminated and each "data:" line is a full response chunk.
// Usage is cumulative, so the last seen values are emitted at the end.
// Shared with the vertexai adapter.
func ReadStream(ctx context.Context, body io.ReadCloser, ch chan<- gateway.StreamChunk, id, model string, includeUsage bool) {
	defer close(ch)
	defer body.Close()

	// Sends must never block past cancellation: once ctx is done the consumer
	// may already have returned, so the error send is best-effort.
	send := func(c gateway.StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			select {
			case ch <- gateway.StreamChunk{Err: ctx.Err()}:
			default:
			}
			return false
		}
	}

	if !send(gateway.StreamChunk{Data: sseutil.BuildRoleChunk(id, model)}) {
		return
	}

	scanner := sseutil.NewScanner(body)

	var (
		lastUsage    *gateway.Usage
		finishReason string
		toolIndex    int
		sawToolCall  bool
	)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok || data == "" {
			continue
		}

		r := gjson.Parse(data)

		if fr := MapFinishReason(r.Get("candidates.0.finishReason").String()); r.Get("candidates.0.finishReason").Exists() {
			finishReason = fr
		}
		if u := r.Get("usageMetadata"); u.Exists() {
			lastUsage = &gateway.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		aborted := false
		r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() && text.String() != "" {
				if !send(gateway.StreamChunk{Data: sseutil.BuildContentChunk(id, model, text.String())}) {
					aborted = true
					return false
				}
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				sawToolCall = true
				args := fc.Get("args").Raw
				if args == "" {
					args = "{}"
				}
				init := sseutil.BuildToolCallInitChunk(id, model, toolIndex, gateway.NewToolCallID(), fc.Get("name").String())
				if !send(gateway.StreamChunk{Data: init}) {
					aborted = true
					return false
				}
				if !send(gateway.StreamChunk{Data: sseutil.BuildToolCallDeltaChunk(id, model, toolIndex, args)}) {
					aborted = true
					return false
				}
				toolIndex++
			}
			return true
		})
		if aborted {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(gateway.StreamChunk{Err: fmt.Errorf("gemini: read stream: %w", err)})
		return
	}

	if sawToolCall {
		finishReason = "tool_calls"
	} else if finishReason == "" {
		finishReason = "stop"
	}
	if !send(gateway.StreamChunk{Data: sseutil.BuildFinishChunk(id, model, finishReason)}) {
		return
	}
	if includeUsage && lastUsage != nil {
		if !send(gateway.StreamChunk{Data: sseutil.BuildUsageChunk(id, model, lastUsage), Usage: lastUsage}) {
			return
		}
	}
	send(gateway.StreamChunk{Done: true})
}
