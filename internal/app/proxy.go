// Package app implements application-level services for the Strider gateway:
// the proxy pipeline, proxy key lifecycle, and the aggregated model list.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/credentials"
	"github.com/oakmund/strider/internal/provider"
	"github.com/oakmund/strider/internal/router"
	"github.com/oakmund/strider/internal/storage"
)

// UsageSink receives usage log entries fire-and-forget.
type UsageSink interface {
	Record(e gateway.UsageLogEntry)
}

// ProxyService orchestrates one proxied chat request: system-prompt
// injection, model routing, credential resolution, adapter dispatch, and the
// usage-log side channel.
type ProxyService struct {
	providers *provider.Registry
	creds     *credentials.Resolver
	presets   storage.PresetStore
	usage     UsageSink
}

// NewProxyService wires the proxy pipeline.
func NewProxyService(providers *provider.Registry, creds *credentials.Resolver, presets storage.PresetStore, usage UsageSink) *ProxyService {
	return &ProxyService{providers: providers, creds: creds, presets: presets, usage: usage}
}

// dispatch is the routing half of the pipeline, shared by Complete and
// Stream: preset injection, candidate iteration, credential resolution.
type dispatch struct {
	req          *gateway.ChatRequest
	providerType gateway.ProviderType
	provider     gateway.Provider
	cred         gateway.Credential
}

func (ps *ProxyService) prepare(ctx context.Context, req *gateway.ChatRequest, key *gateway.ResolvedKey) (*dispatch, error) {
	req = ps.injectPreset(ctx, req, key.UserID)

	candidates := router.Candidates(req.Model)
	if len(candidates) == 0 {
		return nil, gateway.BadRequest(gateway.CodeInvalidRequest, "Unknown model provider")
	}

	for _, pt := range candidates {
		cred, err := ps.creds.Resolve(ctx, key.UserID, pt)
		if err != nil {
			if errors.Is(err, credentials.ErrNoCredential) {
				continue
			}
			return nil, err
		}
		p, err := ps.providers.Get(pt)
		if err != nil {
			continue
		}
		out := *req
		out.Model = router.StripProviderPrefix(req.Model)
		return &dispatch{req: &out, providerType: pt, provider: p, cred: cred}, nil
	}

	tried := make([]string, len(candidates))
	for i, pt := range candidates {
		tried[i] = string(pt)
	}
	return nil, &gateway.Error{
		Status: 502, Type: gateway.TypeServerError, Code: gateway.CodeAllProvidersFailed,
		Message: fmt.Sprintf("No credentials configured for providers: %s", strings.Join(tried, ", ")),
	}
}

// injectPreset prepends the user's system-prompt preset when the request
// carries no system message of its own. The caller's request is never
// mutated.
func (ps *ProxyService) injectPreset(ctx context.Context, req *gateway.ChatRequest, userID string) *gateway.ChatRequest {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return req
		}
	}
	preset, err := ps.presets.GetSystemPromptForModel(ctx, userID, req.Model)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			slog.LogAttrs(ctx, slog.LevelWarn, "preset lookup failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return req
	}

	out := *req
	out.Messages = make([]gateway.Message, 0, len(req.Messages)+1)
	out.Messages = append(out.Messages, gateway.Message{
		Role: "system", Content: gateway.StringContent(preset.Content),
	})
	out.Messages = append(out.Messages, req.Messages...)
	return &out
}

// Complete executes a non-streaming request.
func (ps *ProxyService) Complete(ctx context.Context, req *gateway.ChatRequest, key *gateway.ResolvedKey, endpoint string) (*gateway.ChatResponse, error) {
	start := time.Now()
	d, err := ps.prepare(ctx, req, key)
	if err != nil {
		ps.logOutcome(req, key, "", endpoint, start, errStatus(err), err)
		return nil, err
	}

	// Logged latency measures the upstream call, not our own routing.
	start = time.Now()
	resp, err := d.provider.Complete(ctx, d.req, d.cred)
	if err != nil {
		err = normalizeAdapterError(err)
		ps.logOutcome(req, key, d.providerType, endpoint, start, errStatus(err), err)
		return nil, err
	}

	entry := ps.entry(req, key, d.providerType, endpoint, start, 200, nil)
	if resp.Usage != nil {
		in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		entry.InputTokens, entry.OutputTokens = &in, &out
	}
	if len(resp.Choices) > 0 {
		entry.StopReason = resp.Choices[0].FinishReason
	}
	ps.usage.Record(entry)
	return resp, nil
}

// Stream executes a streaming request. Latency covers up to the stream
// handle; token counts are unknown on this path and the log row carries
// none.
func (ps *ProxyService) Stream(ctx context.Context, req *gateway.ChatRequest, key *gateway.ResolvedKey, endpoint string) (<-chan gateway.StreamChunk, error) {
	start := time.Now()
	d, err := ps.prepare(ctx, req, key)
	if err != nil {
		ps.logOutcome(req, key, "", endpoint, start, errStatus(err), err)
		return nil, err
	}

	// Logged latency measures the upstream call, not our own routing.
	start = time.Now()
	ch, err := d.provider.Stream(ctx, d.req, d.cred)
	if err != nil {
		err = normalizeAdapterError(err)
		ps.logOutcome(req, key, d.providerType, endpoint, start, errStatus(err), err)
		return nil, err
	}

	entry := ps.entry(req, key, d.providerType, endpoint, start, 200, nil)
	entry.Streamed = true
	ps.usage.Record(entry)
	return ch, nil
}

func (ps *ProxyService) entry(req *gateway.ChatRequest, key *gateway.ResolvedKey, pt gateway.ProviderType, endpoint string, start time.Time, status int, err error) gateway.UsageLogEntry {
	e := gateway.UsageLogEntry{
		UserID:       key.UserID,
		KeyID:        key.KeyID,
		ProviderType: pt,
		Model:        req.Model,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		StatusCode:   status,
		Endpoint:     endpoint,
		Streamed:     req.Stream,
		MessageCount: len(req.Messages),
		HasTools:     len(req.Tools) > 0,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

func (ps *ProxyService) logOutcome(req *gateway.ChatRequest, key *gateway.ResolvedKey, pt gateway.ProviderType, endpoint string, start time.Time, status int, err error) {
	ps.usage.Record(ps.entry(req, key, pt, endpoint, start, status, err))
}

func errStatus(err error) int {
	if ge := gateway.AsError(err); ge != nil {
		return ge.Status
	}
	return 502
}

// normalizeAdapterError maps adapter errors onto the uniform taxonomy.
// Taxonomy errors pass through; upstream API errors map by status; anything
// else is sanitized and wrapped as a 502 provider error.
func normalizeAdapterError(err error) error {
	if ge := gateway.AsError(err); ge != nil {
		return ge
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ToGatewayError()
	}
	return gateway.UpstreamError(502, Sanitize(err.Error()))
}

// Secret-shaped substrings stripped from error messages before they reach
// callers or the usage log.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`),
	regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
	regexp.MustCompile(`Bearer\s+\S+`),
	regexp.MustCompile(`x-api-key:\s*\S+`),
	regexp.MustCompile(`[?&]key=\S+`),
}

// Sanitize removes credential material from an error message.
func Sanitize(msg string) string {
	for _, re := range secretPatterns {
		msg = re.ReplaceAllString(msg, "[redacted]")
	}
	return msg
}
