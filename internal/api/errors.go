package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-lutron/internal/bridges/lutron"
	"github.com/nerrad567/gray-logic-lutron/internal/journal"
)

// Error codes carried in ErrorResponse.Code.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeBridge         = "bridge_error"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// domainError maps a sentinel from the bridge or journal to a response.
type domainError struct {
	target  error
	status  int
	code    string
	message string
}

// domainErrors is checked in order; the first errors.Is match wins.
var domainErrors = []domainError{
	{lutron.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeUnavailable, "bridge not connected, action dropped"},
	{lutron.ErrEmptyCommand, http.StatusBadRequest, ErrCodeValidation, "action is required"},
	{lutron.ErrNotRunning, http.StatusConflict, ErrCodeConflict, "client not running"},
	{lutron.ErrWriteFailed, http.StatusBadGateway, ErrCodeBridge, "bridge write failed"},
	{journal.ErrInvalidRange, http.StatusBadRequest, ErrCodeBadRequest, "since must not be after until"},
}

// writeDomainError writes the mapped response for err and reports whether
// err was one it knows. Unknown errors are left to the caller.
func writeDomainError(w http.ResponseWriter, err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			writeError(w, d.status, d.code, d.message)
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // the client may already be gone
		json.NewEncoder(w).Encode(v)
	}
}

// writeError echoes the request ID that requestIDMiddleware put on the
// response headers so a failure can be matched to its log line.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: w.Header().Get(requestIDHeader),
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
