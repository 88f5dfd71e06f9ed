package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"mcp__gw__get_weather"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"tokyo\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`

func TestQuery(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("anthropic-beta"); got != oauthBeta {
			t.Errorf("anthropic-beta = %q", got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "claude-cli/") {
			t.Errorf("user-agent = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, streamBody) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, nil)
	ch, err := c.Query(context.Background(), &QueryOptions{
		Model:        "claude-3-5-sonnet",
		SystemPrompt: "caller system",
		Prompt:       "weather in tokyo",
		Tools: []ToolDef{{
			Name:        "mcp__gw__get_weather",
			Description: "get weather",
			InputSchema: map[string]any{"type": "object"},
		}},
		MaxTurns:    1,
		AccessToken: "tok-1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var events []Event
	for e := range ch {
		events = append(events, e)
	}

	// Request shape: identity first system block, caller system second.
	if got := gjson.GetBytes(gotBody, "system.0.text").String(); got != cliIdentity {
		t.Errorf("first system block: %q", got)
	}
	if got := gjson.GetBytes(gotBody, "system.1.text").String(); got != "caller system" {
		t.Errorf("second system block: %q", got)
	}
	if !gjson.GetBytes(gotBody, "stream").Bool() {
		t.Error("stream not set")
	}
	if got := gjson.GetBytes(gotBody, "tools.0.name").String(); got != "mcp__gw__get_weather" {
		t.Errorf("tool name: %q", got)
	}
	if got := gjson.GetBytes(gotBody, "messages.0.content").String(); got != "weather in tokyo" {
		t.Errorf("prompt: %q", got)
	}

	// Event sequence: system, 11 stream events, assistant, result.
	if events[0].Type != EventSystem {
		t.Errorf("first event: %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventResult || last.Subtype != ResultSuccess {
		t.Fatalf("last event: %+v", last)
	}
	if last.Usage == nil || last.Usage.InputTokens != 12 || last.Usage.OutputTokens != 7 {
		t.Errorf("usage: %+v", last.Usage)
	}

	asst := events[len(events)-2]
	if asst.Type != EventAssistant || asst.Message == nil {
		t.Fatalf("assistant event: %+v", asst)
	}
	blocks := asst.Message.Content
	if len(blocks) != 2 {
		t.Fatalf("blocks: %+v", blocks)
	}
	if blocks[0].Type != "text" || blocks[0].Text != "Hello there" {
		t.Errorf("text block: %+v", blocks[0])
	}
	if blocks[1].Type != "tool_use" || blocks[1].Name != "mcp__gw__get_weather" {
		t.Errorf("tool block: %+v", blocks[1])
	}
	if string(blocks[1].Input) != `{"city":"tokyo"}` {
		t.Errorf("tool input: %s", blocks[1].Input)
	}

	streamEvents := 0
	for _, e := range events {
		if e.Type == EventStreamEvent {
			streamEvents++
		}
	}
	if streamEvents != 11 {
		t.Errorf("stream events = %d, want 11", streamEvents)
	}
}

func TestQueryHTTPError(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"expired token"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, nil)
	_, err := c.Query(context.Background(), &QueryOptions{Model: "claude-3", Prompt: "x", AccessToken: "bad"})
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != 401 {
		t.Fatalf("want APIError 401, got %v", err)
	}
}

func TestQueryErrorEvent(t *testing.T) {
	t.Parallel()
	body := `event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}

`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body) //nolint:errcheck
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, nil)
	ch, err := c.Query(context.Background(), &QueryOptions{Model: "claude-3", Prompt: "x", AccessToken: "t"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	var last Event
	for e := range ch {
		last = e
	}
	if last.Type != EventResult || last.Subtype != ResultError {
		t.Fatalf("last event: %+v", last)
	}
	if len(last.Errors) != 1 || last.Errors[0] != "Overloaded" {
		t.Errorf("errors: %v", last.Errors)
	}
}

func TestQueryMultimodalBlocks(t *testing.T) {
	t.Parallel()
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n") //nolint:errcheck
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, nil)
	ch, _ := c.Query(context.Background(), &QueryOptions{
		Model: "claude-3",
		PromptBlocks: []ContentBlock{
			{Type: "text", Text: "what is this"},
			{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
		},
		AccessToken: "t",
	})
	for range ch {
	}

	content := gjson.GetBytes(gotBody, "messages.0.content")
	if !content.IsArray() || content.Get("1.source.media_type").String() != "image/png" {
		t.Errorf("content blocks: %s", content.Raw)
	}
}
