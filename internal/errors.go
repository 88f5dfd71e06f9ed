package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Error type strings in the uniform taxonomy.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
	TypeServerError    = "server_error"
)

// Error code strings in the uniform taxonomy.
const (
	CodeInvalidBody          = "invalid_body"
	CodeValidationError      = "validation_error"
	CodeInvalidRequest       = "invalid_request"
	CodeUnsupportedParameter = "unsupported_parameter"
	CodeUnknownEndpoint      = "unknown_endpoint"
	CodeUnauthorized         = "unauthorized"
	CodeMissingAPIKey        = "missing_api_key"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeKeyInactive          = "key_inactive"
	CodeModelNotFound        = "model_not_found"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeProviderError        = "provider_error"
	CodeAllProvidersFailed   = "all_providers_failed"
)

// Error is the uniform gateway error. It renders to the caller's dialect:
// {"error":{"message","type","code","param"}} for OpenAI routes and
// {"type":"error","error":{"type","message"}} for Anthropic routes.
type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// HTTPStatus returns the HTTP status to write for this error.
func (e *Error) HTTPStatus() int { return e.Status }

// AsError extracts a taxonomy *Error from err, or nil when err carries none.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// BadRequest returns a 400 invalid_request_error with the given code.
func BadRequest(code, msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Type: TypeInvalidRequest, Code: code, Message: msg}
}

// BadRequestParam returns a 400 invalid_request_error naming the offending parameter.
func BadRequestParam(code, msg, param string) *Error {
	return &Error{Status: http.StatusBadRequest, Type: TypeInvalidRequest, Code: code, Message: msg, Param: param}
}

// Unauthorized returns a 401 with the given code (missing_api_key, invalid_api_key, unauthorized).
func Unauthorized(code, msg string) *Error {
	return &Error{Status: http.StatusUnauthorized, Type: TypeInvalidRequest, Code: code, Message: msg}
}

// KeyInactive returns the 403 for a deactivated proxy key.
func KeyInactive() *Error {
	return &Error{Status: http.StatusForbidden, Type: TypeInvalidRequest, Code: CodeKeyInactive, Message: "API key has been deactivated"}
}

// ModelNotFound returns the 404 for an unknown model.
func ModelNotFound(model string) *Error {
	return &Error{Status: http.StatusNotFound, Type: TypeInvalidRequest, Code: CodeModelNotFound, Message: fmt.Sprintf("model %q not found", model)}
}

// RateLimited returns the 429 rate limit error.
func RateLimited() *Error {
	return &Error{Status: http.StatusTooManyRequests, Type: TypeRateLimit, Code: CodeRateLimitExceeded, Message: "rate limit exceeded, retry after 60 seconds"}
}

// UpstreamError returns a server_error with the given status (502 for generic
// upstream failures).
func UpstreamError(status int, msg string) *Error {
	if status < 400 {
		status = http.StatusBadGateway
	}
	return &Error{Status: status, Type: TypeServerError, Code: CodeProviderError, Message: msg}
}

// Internal returns a 500 server_error.
func Internal(msg string) *Error {
	return &Error{Status: http.StatusInternalServerError, Type: TypeServerError, Code: CodeProviderError, Message: msg}
}

// ErrNotFound is the storage-level sentinel for a missing record.
var ErrNotFound = errors.New("not found")
