// Package gemini implements the gateway.Provider adapter for the Google
// Gemini API. The vertexai adapter reuses its translation layer; the two
// upstreams differ only in URL shape and credential structure.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
)

// Request is the Gemini generateContent request body.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []ToolDecls       `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

// Content is one conversation turn with role "user" or "model".
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a single content part. Exactly one field is set.
type Part struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *InlineData     `json:"inlineData,omitempty"`
	FileData         *FileData       `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall   `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

// InlineData carries base64 image bytes.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references an image by URI.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDecls wraps the function declarations list.
type ToolDecls struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations"`
}

// FunctionDecl mirrors an OpenAI function definition.
type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfig carries the function calling mode.
type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// FunctionCallingConfig maps OpenAI tool_choice onto Gemini modes.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GenerationConfig renames the OpenAI sampling knobs.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

// TranslateRequest converts a canonical ChatRequest to a Gemini
// generateContent request.
func TranslateRequest(req *gateway.ChatRequest) *Request {
	out := &Request{}

	gc := &GenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxOutputTokens:  req.MaxTokens,
		StopSequences:    stopSequences(req.Stop),
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		gc.ResponseMimeType = "application/json"
	}
	if gc.Temperature != nil || gc.TopP != nil || gc.MaxOutputTokens != nil ||
		gc.StopSequences != nil || gc.ResponseMimeType != "" ||
		gc.FrequencyPenalty != nil || gc.PresencePenalty != nil {
		out.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, FunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		out.Tools = []ToolDecls{{FunctionDeclarations: decls}}
	}
	if tc := translateToolChoice(req.ToolChoice); tc != nil {
		out.ToolConfig = tc
	}

	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Text())
		case "user":
			out.Contents = append(out.Contents, Content{Role: "user", Parts: userParts(&m)})
		case "assistant":
			out.Contents = append(out.Contents, Content{Role: "model", Parts: assistantParts(&m)})
		case "tool":
			out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{toolResponsePart(&m)}})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &Content{Parts: []Part{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	return out
}

// userParts maps user content (string or multimodal parts) to Gemini parts.
func userParts(m *gateway.Message) []Part {
	parts, ok := m.Parts()
	if !ok {
		return []Part{{Text: m.Text()}}
	}
	var out []Part
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if mime, data, ok := parseDataURI(p.ImageURL.URL); ok {
				out = append(out, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
			} else {
				out = append(out, Part{FileData: &FileData{MimeType: "image/jpeg", FileURI: p.ImageURL.URL}})
			}
		}
	}
	if len(out) == 0 {
		out = []Part{{Text: ""}}
	}
	return out
}

// assistantParts maps assistant text and tool_calls to Gemini model parts.
func assistantParts(m *gateway.Message) []Part {
	var out []Part
	if text := m.Text(); text != "" {
		out = append(out, Part{Text: text})
	}
	for _, tc := range m.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			b, _ := json.Marshal(args)
			args = string(b)
		}
		out = append(out, Part{FunctionCall: &FunctionCall{
			Name: tc.Function.Name,
			Args: json.RawMessage(args),
		}})
	}
	if len(out) == 0 {
		out = []Part{{Text: ""}}
	}
	return out
}

// toolResponsePart maps a tool-role message to a functionResponse part.
// The response field must be a JSON object; non-JSON tool output is wrapped
// as {result: <content>}.
func toolResponsePart(m *gateway.Message) Part {
	name := m.Name
	if name == "" {
		name = "unknown"
	}
	content := m.Text()
	var response json.RawMessage
	if json.Valid([]byte(content)) && strings.HasPrefix(strings.TrimSpace(content), "{") {
		response = json.RawMessage(content)
	} else {
		response, _ = json.Marshal(map[string]string{"result": content})
	}
	fr, _ := json.Marshal(map[string]any{"name": name, "response": response})
	return Part{FunctionResponse: fr}
}

// translateToolChoice maps OpenAI tool_choice onto a Gemini tool config.
func translateToolChoice(raw json.RawMessage) *ToolConfig {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "none":
			return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "NONE"}}
		case "auto":
			return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "AUTO"}}
		case "required":
			return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: "ANY"}}
		}
		return nil
	}
	if name := gjson.GetBytes(raw, "function.name"); name.Exists() {
		return &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{
			Mode: "ANY", AllowedFunctionNames: []string{name.String()},
		}}
	}
	return nil
}

// stopSequences normalizes the OpenAI stop field (string or array) into a
// string slice.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []string{s}
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	return nil
}

// parseDataURI splits a "data:<mime>;base64,<data>" URI.
func parseDataURI(uri string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "image/jpeg"
	}
	return mime, payload, true
}

// TranslateResponse converts a Gemini generateContent JSON response to a
// canonical ChatResponse.
func TranslateResponse(data []byte, requestModel string, created int64) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	finish := MapFinishReason(r.Get("candidates.0.finishReason").String())

	var contentText strings.Builder
	var toolCalls []gateway.ToolCall
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, gateway.ToolCall{
				ID:   gateway.NewToolCallID(),
				Type: "function",
				Function: gateway.FunctionCall{
					Name:      fc.Get("name").String(),
					Arguments: args,
				},
			})
		}
		return true
	})

	msg := gateway.ChoiceMessage{Role: "assistant"}
	if contentText.Len() > 0 {
		s := contentText.String()
		msg.Content = &s
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
		finish = "tool_calls"
	}

	var usage *gateway.Usage
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      gateway.NewCompletionID(),
		Object:  "chat.completion",
		Created: created,
		Model:   requestModel,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

// MapFinishReason converts Gemini finish reasons to canonical ones.
func MapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "TOOL_CALLS":
		return "tool_calls"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return "stop"
	default:
		return strings.ToLower(reason)
	}
}
