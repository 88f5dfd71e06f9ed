package sseutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
)

// ReadSSEStream reads canonical-format SSE lines from resp and sends them as
// StreamChunks on ch. It handles the standard "[DONE]" sentinel and extracts
// usage from the final chunk. Used by the openrouter adapter, whose upstream
// already speaks the canonical chunk format. The channel is closed when done.
func ReadSSEStream(ctx context.Context, pt gateway.ProviderType, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

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

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := ParseSSELine(line)
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			send(gateway.StreamChunk{Done: true})
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		if !send(chunk) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", pt, err)})
	}
}
