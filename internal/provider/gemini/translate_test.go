package gemini

import (
	"encoding/json"
	"strings"
	"testing"

	gateway "github.com/oakmund/strider/internal"
)

func TestTranslateRequestBasic(t *testing.T) {
	t.Parallel()
	temp := 0.7
	maxTok := 100
	req := &gateway.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []gateway.Message{
			{Role: "system", Content: gateway.StringContent("be brief")},
			{Role: "system", Content: gateway.StringContent("be kind")},
			{Role: "user", Content: gateway.StringContent("hello")},
			{Role: "assistant", Content: gateway.StringContent("hi")},
		},
		Temperature: &temp,
		MaxTokens:   &maxTok,
		Stop:        json.RawMessage(`["END"]`),
	}

	out := TranslateRequest(req)
	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be brief\n\nbe kind" {
		t.Errorf("system instruction: %+v", out.SystemInstruction)
	}
	if len(out.Contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(out.Contents))
	}
	if out.Contents[0].Role != "user" || out.Contents[1].Role != "model" {
		t.Errorf("roles: %s, %s", out.Contents[0].Role, out.Contents[1].Role)
	}
	gc := out.GenerationConfig
	if gc == nil || *gc.Temperature != 0.7 || *gc.MaxOutputTokens != 100 {
		t.Errorf("generation config: %+v", gc)
	}
	if len(gc.StopSequences) != 1 || gc.StopSequences[0] != "END" {
		t.Errorf("stop sequences: %v", gc.StopSequences)
	}
}

func TestTranslateRequestImages(t *testing.T) {
	t.Parallel()
	content, _ := json.Marshal([]gateway.ContentPart{
		{Type: "text", Text: "what is this"},
		{Type: "image_url", ImageURL: &gateway.ImageURL{URL: "data:image/png;base64,AAAA"}},
		{Type: "image_url", ImageURL: &gateway.ImageURL{URL: "https://example.com/cat.jpg"}},
	})
	req := &gateway.ChatRequest{
		Model:    "gemini-1.5-pro",
		Messages: []gateway.Message{{Role: "user", Content: content}},
	}

	out := TranslateRequest(req)
	parts := out.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	if parts[0].Text != "what is this" {
		t.Errorf("text part: %+v", parts[0])
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" || parts[1].InlineData.Data != "AAAA" {
		t.Errorf("inline data part: %+v", parts[1].InlineData)
	}
	if parts[2].FileData == nil || parts[2].FileData.FileURI != "https://example.com/cat.jpg" || parts[2].FileData.MimeType != "image/jpeg" {
		t.Errorf("file data part: %+v", parts[2].FileData)
	}
}

func TestTranslateRequestTools(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []gateway.Message{
			{Role: "user", Content: gateway.StringContent("weather in tokyo?")},
			{Role: "assistant", ToolCalls: []gateway.ToolCall{{
				ID: "call_1", Type: "function",
				Function: gateway.FunctionCall{Name: "get_weather", Arguments: `{"city":"tokyo"}`},
			}}},
			{Role: "tool", Name: "get_weather", ToolCallID: "call_1", Content: gateway.StringContent(`{"temp":22}`)},
			{Role: "tool", ToolCallID: "call_2", Content: gateway.StringContent("plain text result")},
		},
		Tools: []gateway.Tool{{
			Type: "function",
			Function: gateway.FunctionDef{
				Name:        "get_weather",
				Description: "get weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
		ToolChoice: json.RawMessage(`{"type":"function","function":{"name":"get_weather"}}`),
	}

	out := TranslateRequest(req)
	if len(out.Tools) != 1 || len(out.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools: %+v", out.Tools)
	}
	if out.Tools[0].FunctionDeclarations[0].Name != "get_weather" {
		t.Errorf("decl name: %s", out.Tools[0].FunctionDeclarations[0].Name)
	}
	if out.ToolConfig == nil || out.ToolConfig.FunctionCallingConfig.Mode != "ANY" ||
		out.ToolConfig.FunctionCallingConfig.AllowedFunctionNames[0] != "get_weather" {
		t.Errorf("tool config: %+v", out.ToolConfig)
	}

	// Assistant tool call -> functionCall part with parsed args.
	fc := out.Contents[1].Parts[0].FunctionCall
	if fc == nil || fc.Name != "get_weather" || string(fc.Args) != `{"city":"tokyo"}` {
		t.Errorf("function call part: %+v", fc)
	}

	// JSON tool result passes through; plain text wraps as {result:...}.
	var fr map[string]any
	json.Unmarshal(out.Contents[2].Parts[0].FunctionResponse, &fr) //nolint:errcheck
	if fr["name"] != "get_weather" {
		t.Errorf("function response name: %v", fr["name"])
	}
	var fr2 struct {
		Name     string            `json:"name"`
		Response map[string]string `json:"response"`
	}
	json.Unmarshal(out.Contents[3].Parts[0].FunctionResponse, &fr2) //nolint:errcheck
	if fr2.Name != "unknown" || fr2.Response["result"] != "plain text result" {
		t.Errorf("wrapped response: %+v", fr2)
	}
}

func TestTranslateToolChoiceModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		mode string
	}{
		{`"none"`, "NONE"},
		{`"auto"`, "AUTO"},
		{`"required"`, "ANY"},
	}
	for _, tt := range tests {
		tc := translateToolChoice(json.RawMessage(tt.raw))
		if tc == nil || tc.FunctionCallingConfig.Mode != tt.mode {
			t.Errorf("tool_choice %s: %+v", tt.raw, tc)
		}
	}
	if tc := translateToolChoice(nil); tc != nil {
		t.Errorf("nil tool_choice: %+v", tc)
	}
}

func TestTranslateRequestJSONMode(t *testing.T) {
	t.Parallel()
	req := &gateway.ChatRequest{
		Model:          "gemini-1.5-pro",
		Messages:       []gateway.Message{{Role: "user", Content: gateway.StringContent("hi")}},
		ResponseFormat: &gateway.ResponseFormat{Type: "json_object"},
	}
	out := TranslateRequest(req)
	if out.GenerationConfig == nil || out.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("response mime type: %+v", out.GenerationConfig)
	}
}

func TestTranslateResponse(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "Hello "},{"text": "world"}], "role": "model"},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2, "totalTokenCount": 7}
	}`)

	resp, err := TranslateResponse(data, "gemini-1.5-pro", 1234)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") || len(resp.ID) != len("chatcmpl-")+24 {
		t.Errorf("id shape: %s", resp.ID)
	}
	msg := resp.Choices[0].Message
	if msg.Content == nil || *msg.Content != "Hello world" {
		t.Errorf("content: %v", msg.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason: %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestTranslateResponseToolCall(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"candidates": [{
			"content": {"parts": [{"functionCall": {"name": "get_weather", "args": {"city": "tokyo"}}}]},
			"finishReason": "STOP"
		}]
	}`)

	resp, err := TranslateResponse(data, "gemini-1.5-pro", 0)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	msg := resp.Choices[0].Message
	if msg.Content != nil {
		t.Errorf("content should be nil for tool-only turn: %v", *msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls: %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if !strings.HasPrefix(tc.ID, "call_") || tc.Function.Name != "get_weather" {
		t.Errorf("tool call: %+v", tc)
	}
	var args map[string]string
	if json.Unmarshal([]byte(tc.Function.Arguments), &args) != nil || args["city"] != "tokyo" {
		t.Errorf("arguments: %s", tc.Function.Arguments)
	}
	if resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish reason: %s", resp.Choices[0].FinishReason)
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"STOP":       "stop",
		"MAX_TOKENS": "length",
		"TOOL_CALLS": "tool_calls",
		"SAFETY":     "content_filter",
		"RECITATION": "content_filter",
		"":           "stop",
		"OTHER":      "other",
	}
	for in, want := range tests {
		if got := MapFinishReason(in); got != want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
