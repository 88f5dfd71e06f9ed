package provider

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	gateway "github.com/oakmund/strider/internal"
)

// APIError represents an error response from an upstream provider.
type APIError struct {
	Provider   gateway.ProviderType
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream HTTP status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(pt gateway.ProviderType, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: pt, StatusCode: resp.StatusCode, Body: string(body)}
}

// ToGatewayError maps an upstream APIError onto the caller-facing taxonomy.
// Auth failures at the upstream surface as 401 so the caller knows their
// stored credential is bad, not their proxy key; everything 5xx-ish
// collapses to 502 provider_error.
func (e *APIError) ToGatewayError() *gateway.Error {
	msg := upstreamMessage(e.Body)
	if msg == "" {
		msg = fmt.Sprintf("upstream %s returned HTTP %d", e.Provider, e.StatusCode)
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &gateway.Error{
			Status: http.StatusUnauthorized, Type: gateway.TypeInvalidRequest,
			Code: gateway.CodeInvalidAPIKey, Message: msg,
		}
	case http.StatusTooManyRequests:
		return &gateway.Error{
			Status: http.StatusTooManyRequests, Type: gateway.TypeRateLimit,
			Code: gateway.CodeRateLimitExceeded, Message: msg,
		}
	case http.StatusBadRequest:
		return gateway.BadRequest(gateway.CodeInvalidRequest, msg)
	case http.StatusNotFound:
		return &gateway.Error{
			Status: http.StatusNotFound, Type: gateway.TypeInvalidRequest,
			Code: gateway.CodeModelNotFound, Message: msg,
		}
	default:
		return gateway.UpstreamError(http.StatusBadGateway, msg)
	}
}

// upstreamMessage digs the human-readable message out of the common upstream
// error envelopes: {"error":{"message":…}}, {"error":"…"}, {"message":"…"}.
func upstreamMessage(body string) string {
	for _, path := range []string{"error.message", "error", "message"} {
		if v := gjson.Get(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
