package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/oakmund/strider/internal"
)

func userMsg(text string) gateway.Message {
	return gateway.Message{Role: "user", Content: gateway.StringContent(text)}
}

func TestBuildPromptSimple(t *testing.T) {
	t.Parallel()
	spec := buildPrompt(&gateway.ChatRequest{
		Model: "claude-3-5-sonnet",
		Messages: []gateway.Message{
			{Role: "system", Content: gateway.StringContent("You are terse.")},
			userMsg("hello"),
		},
	})
	if !strings.HasPrefix(spec.System, neutralizer) {
		t.Error("system must start with the neutralizer")
	}
	if !strings.Contains(spec.System, "You are terse.") {
		t.Errorf("caller system missing: %q", spec.System)
	}
	if strings.Contains(spec.System, "<conversation_history>") {
		t.Error("no history expected for a single-turn request")
	}
	if spec.Prompt != "hello" {
		t.Errorf("prompt: %q", spec.Prompt)
	}
	if spec.ThinkingRequested {
		t.Error("thinking not requested")
	}
}

func TestBuildPromptFallbackSystem(t *testing.T) {
	t.Parallel()
	spec := buildPrompt(&gateway.ChatRequest{Messages: []gateway.Message{userMsg("hi")}})
	if !strings.Contains(spec.System, fallbackSystemPrompt) {
		t.Errorf("system: %q", spec.System)
	}
}

func TestBuildPromptFoldsHistory(t *testing.T) {
	t.Parallel()
	spec := buildPrompt(&gateway.ChatRequest{
		Messages: []gateway.Message{
			userMsg("what's the weather in tokyo?"),
			{Role: "assistant", ToolCalls: []gateway.ToolCall{{
				ID: "call_abc", Type: "function",
				Function: gateway.FunctionCall{Name: "get_weather", Arguments: `{"city":"tokyo"}`},
			}}},
			{Role: "tool", ToolCallID: "call_abc", Content: gateway.StringContent(`{"temp":22}`)},
			userMsg("and in osaka?"),
		},
	})
	if spec.Prompt != "and in osaka?" {
		t.Errorf("prompt: %q", spec.Prompt)
	}
	for _, want := range []string{
		"<conversation_history>",
		"User: what's the weather in tokyo?",
		`<tool_call name="get_weather" id="call_abc">{"city":"tokyo"}</tool_call>`,
		`<tool_result id="call_abc">{"temp":22}</tool_result>`,
		"</conversation_history>",
	} {
		if !strings.Contains(spec.System, want) {
			t.Errorf("system missing %q:\n%s", want, spec.System)
		}
	}
}

func TestBuildPromptNoTrailingUser(t *testing.T) {
	t.Parallel()
	spec := buildPrompt(&gateway.ChatRequest{
		Messages: []gateway.Message{
			userMsg("do the thing"),
			{Role: "assistant", ToolCalls: []gateway.ToolCall{{
				ID: "call_1", Type: "function",
				Function: gateway.FunctionCall{Name: "run", Arguments: "{}"},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: gateway.StringContent("done")},
		},
	})
	if spec.Prompt != continuePrompt {
		t.Errorf("prompt: %q", spec.Prompt)
	}
	// With no trailing user message, the whole conversation is history.
	if !strings.Contains(spec.System, "User: do the thing") {
		t.Errorf("system: %q", spec.System)
	}
}

func TestBuildPromptMultimodal(t *testing.T) {
	t.Parallel()
	parts, _ := json.Marshal([]gateway.ContentPart{
		{Type: "text", Text: "what is this?"},
		{Type: "image_url", ImageURL: &gateway.ImageURL{URL: "data:image/png;base64,iVBOR"}},
		{Type: "image_url", ImageURL: &gateway.ImageURL{URL: "https://example.com/pic.jpg"}},
	})
	spec := buildPrompt(&gateway.ChatRequest{
		Messages: []gateway.Message{
			userMsg("earlier turn"),
			{Role: "assistant", Content: gateway.StringContent("ok")},
			{Role: "user", Content: parts},
		},
	})
	if spec.Prompt != "" {
		t.Errorf("prompt must be empty on the block path, got %q", spec.Prompt)
	}
	if len(spec.Blocks) != 3 {
		t.Fatalf("blocks: %+v", spec.Blocks)
	}
	if spec.Blocks[0].Type != "text" || spec.Blocks[0].Text != "what is this?" {
		t.Errorf("text block: %+v", spec.Blocks[0])
	}
	img := spec.Blocks[1]
	if img.Source == nil || img.Source.Type != "base64" || img.Source.MediaType != "image/png" || img.Source.Data != "iVBOR" {
		t.Errorf("data-URI block: %+v", img.Source)
	}
	if spec.Blocks[2].Source == nil || spec.Blocks[2].Source.Type != "url" {
		t.Errorf("url block: %+v", spec.Blocks[2])
	}
	// History still folds identically.
	if !strings.Contains(spec.System, "User: earlier turn") {
		t.Errorf("system: %q", spec.System)
	}
}

func TestBuildPromptThinkingSuffixes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		req     gateway.ChatRequest
		want    string
		dontSee string
	}{
		{
			name: "forced",
			req:  gateway.ChatRequest{Thinking: &gateway.Thinking{Type: "enabled"}},
			want: "Before answering, reason inside <thinking></thinking> tags",
		},
		{
			name: "adaptive",
			req:  gateway.ChatRequest{Thinking: &gateway.Thinking{Type: "adaptive"}},
			want: "If the request benefits from deliberation",
		},
		{
			name: "effort only forces",
			req:  gateway.ChatRequest{ReasoningEffort: "high"},
			want: "Reason thoroughly",
		},
		{
			name: "effort shapes depth",
			req:  gateway.ChatRequest{Thinking: &gateway.Thinking{Type: "enabled"}, ReasoningEffort: "minimal"},
			want: "Keep the reasoning to a sentence or two.",
		},
		{
			name:    "disabled",
			req:     gateway.ChatRequest{Thinking: &gateway.Thinking{Type: "disabled"}},
			dontSee: "<thinking>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.req.Messages = []gateway.Message{userMsg("why?")}
			spec := buildPrompt(&tt.req)
			if tt.want != "" {
				if !strings.Contains(spec.Prompt, tt.want) {
					t.Errorf("prompt missing %q: %q", tt.want, spec.Prompt)
				}
				if !spec.ThinkingRequested {
					t.Error("ThinkingRequested not set")
				}
			}
			if tt.dontSee != "" {
				if strings.Contains(spec.Prompt, tt.dontSee) {
					t.Errorf("prompt: %q", spec.Prompt)
				}
				if spec.ThinkingRequested {
					t.Error("ThinkingRequested set")
				}
			}
		})
	}
}

func TestBuildPromptJSONMode(t *testing.T) {
	t.Parallel()
	spec := buildPrompt(&gateway.ChatRequest{
		Messages:       []gateway.Message{userMsg("list three fruits")},
		ResponseFormat: &gateway.ResponseFormat{Type: "json_object"},
	})
	if !strings.Contains(spec.Prompt, "single valid JSON object") {
		t.Errorf("prompt: %q", spec.Prompt)
	}
	if spec.ThinkingRequested {
		t.Error("json mode must not flag thinking")
	}
}

func TestParseDataURI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		uri       string
		mediaType string
		data      string
		ok        bool
	}{
		{"data:image/jpeg;base64,abc123", "image/jpeg", "abc123", true},
		{"data:;base64,abc", "image/png", "abc", true},
		{"data:image/png,plain", "", "", false},
		{"https://example.com/a.png", "", "", false},
	}
	for _, tt := range tests {
		mediaType, data, ok := parseDataURI(tt.uri)
		if ok != tt.ok || mediaType != tt.mediaType || data != tt.data {
			t.Errorf("parseDataURI(%q) = %q %q %v", tt.uri, mediaType, data, ok)
		}
	}
}
