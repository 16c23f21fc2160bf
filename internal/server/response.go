package server

import (
	"encoding/json"
	"net/http"

	"github.com/dandi-tools/nwbflow/internal/workflowerr"
)

// ErrorResponse is the JSON envelope every non-2xx response returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail mirrors workflowerr.Error's user-facing fields without
// exposing the Cause.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes returned in ErrorDetail.Code, one per workflowerr.Kind plus
// a catch-all for malformed request bodies this layer rejects before a
// Bus call is even made.
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeBusy             = "BUSY"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeNoProgress       = "NO_PROGRESS"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, Details: details},
	})
}

// writeWorkflowError maps a *workflowerr.Error onto its HTTP status and an
// ErrorDetail carrying its Kind-derived code, never a bare string.
func writeWorkflowError(w http.ResponseWriter, err *workflowerr.Error) {
	writeErrorWithDetails(w, err.HTTPStatus(), errCodeForKind(err.Kind), err.Message, err.Context)
}

func errCodeForKind(kind workflowerr.Kind) string {
	switch kind {
	case workflowerr.KindBadRequest:
		return ErrCodeInvalidRequest
	case workflowerr.KindBusy:
		return ErrCodeBusy
	case workflowerr.KindTimeout:
		return ErrCodeTimeout
	case workflowerr.KindDependencyFailed:
		return ErrCodeDependencyFailed
	case workflowerr.KindNoProgress:
		return ErrCodeNoProgress
	default:
		return ErrCodeInternalError
	}
}

// writeBusError presents any error returned by bus.Bus.Send: a typed
// *workflowerr.Error gets its mapped status, anything else (a handler
// registration bug) is a 500.
func writeBusError(w http.ResponseWriter, err error) {
	if werr, ok := workflowerr.As(err); ok {
		writeWorkflowError(w, werr)
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
}
