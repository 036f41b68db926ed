package middleware

import (
	"encoding/json"
	"net/http"

	"agentgate/internal/domain"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error *domain.ErrorPayload `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with the error's code, mapped status, and message.
func WriteError(w http.ResponseWriter, err error) {
	p := domain.ErrorPayloadOf(err)
	WriteJSON(w, domain.HTTPStatusOf(p.Code), ErrorBody{Error: p})
}

// writeCode answers with a fixed code and message.
func writeCode(w http.ResponseWriter, code domain.ErrorCode, msg string) {
	WriteJSON(w, domain.HTTPStatusOf(code), ErrorBody{Error: &domain.ErrorPayload{Code: code, Message: msg}})
}
