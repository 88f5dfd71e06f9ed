package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/oakmund/strider/internal"
	dialect "github.com/oakmund/strider/internal/dialect/anthropic"
)

// handleMessages serves the Anthropic Messages dialect. Requests translate
// to the canonical shape on the way in; responses and stream chunks
// translate back on the way out. Errors render in the Anthropic envelope.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req dialect.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, gateway.BadRequest(gateway.CodeInvalidBody, "invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeAnthropicError(w, err)
		return
	}
	canonical, err := req.ToCanonical()
	if err != nil {
		writeAnthropicError(w, err)
		return
	}
	key := gateway.KeyFromContext(r.Context())

	if canonical.Stream {
		ch, err := s.deps.Proxy.Stream(r.Context(), canonical, key, endpointMessages)
		if err != nil {
			writeAnthropicError(w, err)
			return
		}
		s.streamAnthropic(w, r, canonical.Model, ch)
		return
	}

	resp, err := s.deps.Proxy.Complete(r.Context(), canonical, key, endpointMessages)
	if err != nil {
		writeAnthropicError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dialect.FromCanonical(resp))
}

// streamAnthropic relays canonical chunks through the stateful dialect
// translator. Anthropic SSE carries named events and no [DONE] sentinel.
func (s *server) streamAnthropic(w http.ResponseWriter, r *http.Request, model string, ch <-chan gateway.StreamChunk) {
	flusher, ok := s.startStream(w)
	if !ok {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveStreams.Inc()
		defer s.deps.Metrics.ActiveStreams.Dec()
	}

	tr := dialect.NewStreamTranslator(model)
	emit := func(frames []dialect.Frame) {
		for _, f := range frames {
			writeSSEEvent(w, f.Event, f.Data)
		}
		if len(frames) > 0 {
			flusher.Flush()
		}
	}

	keepAlive := time.NewTicker(serverKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				emit(tr.Done())
				return
			}
			switch {
			case chunk.Err != nil:
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				emit(tr.Done())
				return
			case chunk.Done:
				emit(tr.Done())
				return
			case chunk.Comment != "":
				writeSSEComment(w, chunk.Comment)
				flusher.Flush()
			default:
				emit(tr.Next(chunk.Data))
			}

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
