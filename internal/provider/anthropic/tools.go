package anthropic

import (
	"encoding/json"
	"strings"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/agent"
)

// toolNamePrefix namespaces caller tools on the agent endpoint. Names are
// wrapped on the way in and stripped from tool_use blocks on the way out.
const toolNamePrefix = "mcp__gw__"

func wrapToolName(name string) string { return toolNamePrefix + name }

func stripToolName(name string) string { return strings.TrimPrefix(name, toolNamePrefix) }

// buildTools converts OpenAI function tools into agent tool definitions.
// The gateway never executes them; the single-turn cap stops the agent after
// it emits tool_use blocks and the calls are forwarded to the client.
func buildTools(tools []gateway.Tool) []agent.ToolDef {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]agent.ToolDef, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		defs = append(defs, agent.ToolDef{
			Name:        wrapToolName(t.Function.Name),
			Description: t.Function.Description,
			InputSchema: convertSchema(t.Function.Parameters),
		})
	}
	return defs
}

// convertSchema converts a JSON Schema into the agent's native input schema
// by recursive descent, preserving nested objects, arrays, enums, required
// flags, and descriptions. Unknown or invalid schemas collapse to a bare
// object schema.
func convertSchema(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return map[string]any{"type": "object"}
	}
	m, ok := convertSchemaNode(node).(map[string]any)
	if !ok {
		return map[string]any{"type": "object"}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

func convertSchemaNode(node any) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		switch key {
		case "type", "description", "enum", "required", "default", "format":
			out[key] = value
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			converted := make(map[string]any, len(props))
			for name, sub := range props {
				converted[name] = convertSchemaNode(sub)
			}
			out[key] = converted
		case "items", "additionalProperties":
			out[key] = convertSchemaNode(value)
		}
	}
	return out
}
