package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/osacore/osa/internal/agenterr"
)

// errorEnvelope is the HTTP API's error envelope: {error: <tag>, details: <string>}.
type errorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// statusFor maps the error taxonomy onto HTTP status codes
// (400/401/404/422/503/504). Reasons the HTTP boundary never produces
// directly (cancelled, internal) fall through to the nearest
// documented code rather than inventing a new one.
func statusFor(reason agenterr.Reason) int {
	switch reason {
	case agenterr.ReasonInvalidRequest:
		return http.StatusBadRequest
	case agenterr.ReasonUnauthorized:
		return http.StatusUnauthorized
	case agenterr.ReasonNotFound:
		return http.StatusNotFound
	case agenterr.ReasonBlocked, agenterr.ReasonToolError, agenterr.ReasonContextOverflow:
		return http.StatusUnprocessableEntity
	case agenterr.ReasonProviderError:
		return http.StatusServiceUnavailable
	case agenterr.ReasonTimeout:
		return http.StatusGatewayTimeout
	case agenterr.ReasonCancelled:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, tag, details string) {
	writeJSON(w, status, errorEnvelope{Error: tag, Details: details})
}

func writeAgentErr(w http.ResponseWriter, err *agenterr.Error) {
	writeError(w, statusFor(err.Reason), string(err.Reason), err.Error())
}
