// Package router maps model names to ordered upstream provider candidates.
package router

import (
	"strings"

	gateway "github.com/oakmund/strider/internal"
)

// Candidates returns the providers to try for a model name, in preference
// order. Routing rules:
//
//	claude-*          -> anthropic-agent
//	gemini-*          -> vertex-ai, gemini
//	provider:model    -> the named provider
//	org/model         -> openrouter
//	anything else     -> none
//
// The caller dispatches to the first candidate with usable credentials;
// there are no retries across providers after dispatch.
func Candidates(model string) []gateway.ProviderType {
	switch {
	case strings.HasPrefix(model, "claude-"):
		return []gateway.ProviderType{gateway.ProviderAnthropicAgent}
	case strings.HasPrefix(model, "gemini-"):
		return []gateway.ProviderType{gateway.ProviderVertexAI, gateway.ProviderGemini}
	case strings.Contains(model, ":"):
		p, _, _ := strings.Cut(model, ":")
		if pt := parseProvider(strings.TrimSpace(p)); pt != "" {
			return []gateway.ProviderType{pt}
		}
		return nil
	case strings.Contains(model, "/"):
		return []gateway.ProviderType{gateway.ProviderOpenRouter}
	default:
		return nil
	}
}

// StripProviderPrefix removes an explicit "provider:" prefix so adapters
// receive the bare model name. Slash-form names pass through untouched;
// openrouter expects the full "org/model".
func StripProviderPrefix(model string) string {
	if !strings.Contains(model, ":") {
		return model
	}
	p, rest, _ := strings.Cut(model, ":")
	if parseProvider(strings.TrimSpace(p)) != "" {
		return strings.TrimSpace(rest)
	}
	return model
}

func parseProvider(s string) gateway.ProviderType {
	switch gateway.ProviderType(s) {
	case gateway.ProviderAnthropicAgent, gateway.ProviderGemini,
		gateway.ProviderVertexAI, gateway.ProviderOpenRouter:
		return gateway.ProviderType(s)
	}
	return ""
}
