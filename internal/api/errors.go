package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/cloudcontrol-core/internal/agent"
	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeInvalidArgs  = "invalid_arguments"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeBodyTooLarge = "body_too_large"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// sessionError maps an error from the session manager to a response.
func sessionError(err error) Error {
	if errors.Is(err, agent.ErrInvalidArgs) {
		return Error{Status: http.StatusBadRequest, Code: ErrCodeInvalidArgs, Message: err.Error()}
	}

	kind := session.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case session.KindNotFound:
		status = http.StatusNotFound
	case session.KindUnknownOperation:
		status = http.StatusBadRequest
	case session.KindPoolExhausted, session.KindClosed:
		status = http.StatusServiceUnavailable
	case session.KindOverloaded:
		status = http.StatusTooManyRequests
	case session.KindTimeout:
		status = http.StatusGatewayTimeout
	case session.KindConnectFailed, session.KindRemote:
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if kind == session.KindInternal {
		msg = "internal server error"
	}
	return Error{Status: status, Code: kind, Message: msg}
}

// writeSessionError writes the response for a failed device operation.
func writeSessionError(w http.ResponseWriter, err error) {
	e := sessionError(err)
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, e.Status, e)
}
