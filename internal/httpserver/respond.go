package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/cartofabric/fabric/internal/apperr"
)

// ErrorResponse is the JSON envelope written by RespondError.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes v as a JSON response with the given status code. A nil v
// writes an empty body (used for 204 No Content).
func Respond(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondError writes a standard error envelope with the given status,
// machine-readable code, and human-readable message.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// statusForKind maps an apperr.Kind to the HTTP status domain handlers
// should return for it.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.Integrity:
		return http.StatusConflict
	case apperr.Validation:
		return http.StatusUnprocessableEntity
	case apperr.UpstreamUnavailable, apperr.TransientDB:
		return http.StatusServiceUnavailable
	case apperr.UpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperr.Misconfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// RespondAppErr writes the response appropriate for err: a tagged
// *apperr.Error maps to its Kind's status and surfaces its message, any
// other error is treated as an unexpected internal failure and logged by
// the caller rather than leaked to the client.
func RespondAppErr(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		RespondError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
		return
	}
	RespondError(w, statusForKind(e.Kind), string(e.Kind), e.Message)
}
