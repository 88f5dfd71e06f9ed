package anthropic

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/agent"
	"github.com/oakmund/strider/internal/provider/sseutil"
)

const keepaliveInterval = 5 * time.Second

// toolTrack follows one upstream tool_use block from start to emission.
// Init chunks are deferred until the first non-empty argument fragment so a
// tool call that never produces arguments can be backfilled in one piece.
type toolTrack struct {
	rawID  string
	callID string
	name   string
	// index is the canonical tool_calls index, assigned at init emission.
	index   int
	emitted bool
}

// streamState runs the agent event stream through the canonical chunk
// translation: role prelude, thinking-tag scanning, deferred tool-call
// framing, keepalive comments, and graceful error framing.
type streamState struct {
	id                string
	model             string
	thinkingRequested bool
	includeUsage      bool

	scanner   thinkingScanner
	byBlock   map[int64]*toolTrack
	byRawID   map[string]*toolTrack
	order     []*toolTrack
	nextIndex int
	usage     *agent.Usage
	subtype   string
	errs      []string
}

func (s *streamState) run(ctx context.Context, events <-chan agent.Event, out chan<- gateway.StreamChunk) {
	defer close(out)
	s.byBlock = make(map[int64]*toolTrack)
	s.byRawID = make(map[string]*toolTrack)

	send := func(chunk gateway.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	data := func(b []byte) bool { return send(gateway.StreamChunk{Data: b}) }

	// Role prelude. The delta carries only the role, no content key.
	if !data(sseutil.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant"}, "")) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if !send(gateway.StreamChunk{Comment: "keepalive"}) {
				return
			}
		case e, ok := <-events:
			if !ok {
				s.finish(data, send)
				return
			}
			if !s.handle(e, data) {
				return
			}
		}
	}
}

// handle processes one protocol event. It returns false when the caller went
// away and the stream should stop.
func (s *streamState) handle(e agent.Event, data func([]byte) bool) bool {
	switch e.Type {
	case agent.EventStreamEvent:
		return s.handleStreamEvent(gjson.ParseBytes(e.Raw), data)
	case agent.EventAssistant:
		return s.backfill(e.Message, data)
	case agent.EventResult:
		s.subtype, s.usage, s.errs = e.Subtype, e.Usage, e.Errors
	}
	return true
}

func (s *streamState) handleStreamEvent(r gjson.Result, data func([]byte) bool) bool {
	switch r.Get("type").String() {
	case "content_block_start":
		cb := r.Get("content_block")
		if cb.Get("type").String() == "tool_use" {
			t := &toolTrack{
				rawID:  cb.Get("id").String(),
				callID: gateway.NewToolCallID(),
				name:   stripToolName(cb.Get("name").String()),
			}
			s.byBlock[r.Get("index").Int()] = t
			if t.rawID != "" {
				s.byRawID[t.rawID] = t
			}
			s.order = append(s.order, t)
		}
	case "content_block_delta":
		delta := r.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			content, reasoning := s.scanner.Feed(delta.Get("text").String())
			return s.emitText(content, reasoning, data)
		case "thinking_delta":
			if s.thinkingRequested {
				return data(sseutil.BuildReasoningChunk(s.id, s.model, delta.Get("thinking").String()))
			}
		case "input_json_delta":
			frag := delta.Get("partial_json").String()
			if frag == "" {
				return true
			}
			t := s.byBlock[r.Get("index").Int()]
			if t == nil {
				t = &toolTrack{callID: gateway.NewToolCallID()}
				s.byBlock[r.Get("index").Int()] = t
				s.order = append(s.order, t)
			}
			if !t.emitted {
				if !s.emitInit(t, data) {
					return false
				}
			}
			return data(sseutil.BuildToolCallDeltaChunk(s.id, s.model, t.index, frag))
		}
	}
	return true
}

func (s *streamState) emitInit(t *toolTrack, data func([]byte) bool) bool {
	t.index = s.nextIndex
	s.nextIndex++
	t.emitted = true
	return data(sseutil.BuildToolCallInitChunk(s.id, s.model, t.index, t.callID, t.name))
}

// emitText emits scanner output; reasoning is dropped when the caller did
// not ask for thinking.
func (s *streamState) emitText(content, reasoning string, data func([]byte) bool) bool {
	if content != "" {
		if !data(sseutil.BuildContentChunk(s.id, s.model, content)) {
			return false
		}
	}
	if reasoning != "" && s.thinkingRequested {
		return data(sseutil.BuildReasoningChunk(s.id, s.model, reasoning))
	}
	return true
}

// backfill emits any tool call present in the accumulated assistant message
// whose input never arrived as fragments, as one init plus a single
// arguments delta.
func (s *streamState) backfill(msg *agent.AssistantMessage, data func([]byte) bool) bool {
	if msg == nil {
		return true
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		t := s.byRawID[block.ID]
		if t == nil {
			t = &toolTrack{rawID: block.ID, callID: gateway.NewToolCallID(), name: stripToolName(block.Name)}
			s.byRawID[block.ID] = t
			s.order = append(s.order, t)
		}
		if t.emitted {
			continue
		}
		args := string(block.Input)
		if args == "" {
			args = "{}"
		}
		if !s.emitInit(t, data) {
			return false
		}
		if !data(sseutil.BuildToolCallDeltaChunk(s.id, s.model, t.index, args)) {
			return false
		}
	}
	return true
}

func (s *streamState) finish(data func([]byte) bool, send func(gateway.StreamChunk) bool) {
	if s.subtype != "" && s.subtype != agent.ResultSuccess && s.subtype != agent.ResultMaxTurns {
		// Streaming already began; surface the failure in-band so the client
		// gets a well-formed close instead of a reset.
		msg := "agent run failed"
		if len(s.errs) > 0 {
			msg = s.errs[0]
		}
		data(sseutil.BuildContentChunk(s.id, s.model, "\n\n[Error: "+msg+"]"))
		data(sseutil.BuildFinishChunk(s.id, s.model, "stop"))
		send(gateway.StreamChunk{Done: true})
		return
	}

	content, reasoning := s.scanner.Flush()
	if !s.emitText(content, reasoning, data) {
		return
	}

	// Any tracked tool call still un-emitted gets empty arguments.
	for _, t := range s.order {
		if t.emitted {
			continue
		}
		if !s.emitInit(t, data) {
			return
		}
		if !data(sseutil.BuildToolCallDeltaChunk(s.id, s.model, t.index, "{}")) {
			return
		}
	}

	finishReason := "stop"
	if s.nextIndex > 0 {
		finishReason = "tool_calls"
	}
	if !data(sseutil.BuildFinishChunk(s.id, s.model, finishReason)) {
		return
	}
	if s.includeUsage {
		usage := &gateway.Usage{}
		if s.usage != nil {
			usage.PromptTokens = s.usage.InputTokens
			usage.CompletionTokens = s.usage.OutputTokens
			usage.TotalTokens = s.usage.InputTokens + s.usage.OutputTokens
		}
		if !data(sseutil.BuildUsageChunk(s.id, s.model, usage)) {
			return
		}
	}
	send(gateway.StreamChunk{Done: true, Usage: usageOrNil(s.usage)})
}

func usageOrNil(u *agent.Usage) *gateway.Usage {
	if u == nil {
		return nil
	}
	return &gateway.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}
