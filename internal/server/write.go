package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	gateway "github.com/oakmund/strider/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// taxonomyError coerces any error to the uniform taxonomy, treating
// unclassified errors as internal.
func taxonomyError(err error) *gateway.Error {
	if ge := gateway.AsError(err); ge != nil {
		return ge
	}
	return gateway.Internal("internal server error")
}

// writeError renders an error in the OpenAI dialect:
// {"error":{"message","type","code","param"}}.
func writeError(w http.ResponseWriter, err error) {
	ge := taxonomyError(err)
	writeJSON(w, ge.Status, map[string]*gateway.Error{"error": ge})
}

// anthropicErrorBody is the Anthropic error envelope.
type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeAnthropicError renders an error in the Anthropic dialect:
// {"type":"error","error":{"type","message"}}.
func writeAnthropicError(w http.ResponseWriter, err error) {
	ge := taxonomyError(err)
	var body anthropicErrorBody
	body.Type = "error"
	body.Error.Type = ge.Type
	body.Error.Message = ge.Message
	writeJSON(w, ge.Status, body)
}

// dashboardError renders a dashboard-dialect error: {"error":"…"}.
func dashboardError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
