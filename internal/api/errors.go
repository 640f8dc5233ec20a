package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-mig/internal/gateway"
	"github.com/nerrad567/gray-logic-mig/internal/history"
	"github.com/nerrad567/gray-logic-mig/internal/mig"
)

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // connection may already be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeDomainError maps gateway, interface and history errors to a status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrUnknownInterface):
		writeNotFound(w, err.Error())
	case errors.Is(err, gateway.ErrInvalidPayload),
		errors.Is(err, history.ErrInvalidQuery),
		errors.Is(err, mig.ErrInvalidOption):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, mig.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded):
		writeUnavailable(w, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}

// commandStatus is the HTTP status for a command Response.
func commandStatus(resp mig.Response) int {
	switch resp.Code {
	case "":
		return http.StatusOK
	case "NOT_CONNECTED":
		return http.StatusServiceUnavailable
	case "UNKNOWN_ADDRESS":
		return http.StatusNotFound
	case "INVALID_OPTION", "UNKNOWN_COMMAND":
		return http.StatusBadRequest
	case "NOT_SUPPORTED":
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}
