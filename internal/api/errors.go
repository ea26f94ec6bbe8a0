package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"homeport/internal/device"
	"homeport/internal/entity"
	"homeport/internal/hapkit"
	"homeport/internal/template"
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
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
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

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps domain sentinel errors onto HTTP statuses:
// missing rows and uninstalled devices are 404, constraint violations
// and running-bridge collisions are 409, bad apply inputs are 400.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound),
		errors.Is(err, device.ErrNotInstalled),
		errors.Is(err, template.ErrTemplateNotFound),
		errors.Is(err, hapkit.ErrBridgeNotRunning):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, entity.ErrConflict),
		errors.Is(err, entity.ErrDeviceInUse),
		errors.Is(err, entity.ErrBridgeInUse),
		errors.Is(err, hapkit.ErrBridgeRunning):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, template.ErrBridgeRequired),
		errors.Is(err, template.ErrGatewayRequired),
		errors.Is(err, template.ErrModelMismatch),
		errors.Is(err, device.ErrNotSupported):
		writeBadRequest(w, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
