package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
)

// serverKeepAlive is the transport-level SSE comment interval; adapters may
// emit their own comments more often.
const serverKeepAlive = 15 * time.Second

const (
	endpointChat     = "/v1/chat/completions"
	endpointLegacy   = "/v1/completions"
	endpointMessages = "/v1/messages"
)

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gateway.BadRequest(gateway.CodeInvalidBody, "invalid request body: "+err.Error()))
		return
	}
	if err := validateChatRequest(&req); err != nil {
		writeError(w, err)
		return
	}
	key := gateway.KeyFromContext(r.Context())

	if req.Stream {
		ch, err := s.deps.Proxy.Stream(r.Context(), &req, key, endpointChat)
		if err != nil {
			writeError(w, err)
			return
		}
		s.streamOpenAI(w, r, ch)
		return
	}

	resp, err := s.deps.Proxy.Complete(r.Context(), &req, key, endpointChat)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateChatRequest(req *gateway.ChatRequest) error {
	if req.Model == "" {
		return gateway.BadRequestParam(gateway.CodeValidationError, "model is required", "model")
	}
	if len(req.Messages) == 0 {
		return gateway.BadRequestParam(gateway.CodeValidationError, "messages must not be empty", "messages")
	}
	return nil
}

// streamOpenAI relays canonical chunks as OpenAI SSE frames, terminated by
// the [DONE] sentinel.
func (s *server) streamOpenAI(w http.ResponseWriter, r *http.Request, ch <-chan gateway.StreamChunk) {
	flusher, ok := s.startStream(w)
	if !ok {
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveStreams.Inc()
		defer s.deps.Metrics.ActiveStreams.Dec()
	}

	keepAlive := time.NewTicker(serverKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			switch {
			case chunk.Err != nil:
				slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
					slog.String("error", chunk.Err.Error()),
				)
				writeSSEDone(w)
				flusher.Flush()
				return
			case chunk.Done:
				writeSSEDone(w)
				flusher.Flush()
				return
			case chunk.Comment != "":
				writeSSEComment(w, chunk.Comment)
			default:
				writeSSEData(w, chunk.Data)
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeError(w, gateway.Internal("streaming unsupported"))
		return nil, false
	}
	writeSSEHeaders(w)
	flusher.Flush()
	return flusher, true
}

// --- Legacy /v1/completions ---

type legacyCompletionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	N           int             `json:"n,omitempty"`
}

type legacyChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type legacyCompletionResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []legacyChoice `json:"choices"`
	Usage   *gateway.Usage `json:"usage,omitempty"`
}

// promptText folds the legacy prompt field: a string passes through, an
// array of strings is joined with newlines.
func promptText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", gateway.BadRequestParam(gateway.CodeValidationError, "prompt is required", "prompt")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := ""
		for i, p := range list {
			if i > 0 {
				out += "\n"
			}
			out += p
		}
		return out, nil
	}
	return "", gateway.BadRequestParam(gateway.CodeValidationError, "prompt must be a string or array of strings", "prompt")
}

// handleLegacyCompletion folds the legacy prompt into a single user message,
// dispatches through the canonical path, and re-frames the response as
// text_completion.
func (s *server) handleLegacyCompletion(w http.ResponseWriter, r *http.Request) {
	var req legacyCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gateway.BadRequest(gateway.CodeInvalidBody, "invalid request body: "+err.Error()))
		return
	}
	prompt, err := promptText(req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}

	canonical := &gateway.ChatRequest{
		Model:       req.Model,
		Messages:    []gateway.Message{{Role: "user", Content: gateway.StringContent(prompt)}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      req.Stream,
		N:           req.N,
	}
	if err := validateChatRequest(canonical); err != nil {
		writeError(w, err)
		return
	}
	key := gateway.KeyFromContext(r.Context())

	if req.Stream {
		ch, err := s.deps.Proxy.Stream(r.Context(), canonical, key, endpointLegacy)
		if err != nil {
			writeError(w, err)
			return
		}
		s.streamLegacy(w, r, ch)
		return
	}

	resp, err := s.deps.Proxy.Complete(r.Context(), canonical, key, endpointLegacy)
	if err != nil {
		writeError(w, err)
		return
	}

	out := legacyCompletionResponse{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   resp.Usage,
	}
	for _, c := range resp.Choices {
		text := ""
		if c.Message.Content != nil {
			text = *c.Message.Content
		}
		fr := c.FinishReason
		out.Choices = append(out.Choices, legacyChoice{Index: c.Index, Text: text, FinishReason: &fr})
	}
	writeJSON(w, http.StatusOK, out)
}

// streamLegacy re-frames canonical stream chunks as text_completion chunks.
func (s *server) streamLegacy(w http.ResponseWriter, r *http.Request, ch <-chan gateway.StreamChunk) {
	flusher, ok := s.startStream(w)
	if !ok {
		return
	}

	keepAlive := time.NewTicker(serverKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			switch {
			case chunk.Err != nil, chunk.Done:
				writeSSEDone(w)
				flusher.Flush()
				return
			case chunk.Comment != "":
				writeSSEComment(w, chunk.Comment)
			default:
				if data := legacyChunk(chunk.Data); data != nil {
					writeSSEData(w, data)
				}
			}
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// legacyChunk converts one canonical chunk into the text_completion frame.
// Chunks with neither content nor a finish reason (role preludes, usage
// trailers) are dropped.
func legacyChunk(data []byte) []byte {
	choice := gjson.GetBytes(data, "choices.0")
	if !choice.Exists() {
		return nil
	}
	content := choice.Get("delta.content")
	finish := choice.Get("finish_reason")
	if !content.Exists() && finish.Type == gjson.Null {
		return nil
	}

	var fr *string
	if finish.Type == gjson.String {
		v := finish.String()
		fr = &v
	}
	out := legacyCompletionResponse{
		ID:      gjson.GetBytes(data, "id").String(),
		Object:  "text_completion",
		Created: gjson.GetBytes(data, "created").Int(),
		Model:   gjson.GetBytes(data, "model").String(),
		Choices: []legacyChoice{{Index: 0, Text: content.String(), FinishReason: fr}},
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}
