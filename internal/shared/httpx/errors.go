package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/k1networth/dispatch-relay/internal/shared/requestid"
)

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// WriteError writes the structured error body used by the public API.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteJSON(w, status, apiErrorResponse{
		Error: apiError{Code: code, Message: message, RequestID: requestid.Get(r.Context())},
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
