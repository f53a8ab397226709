package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agenticwork/sessiond/internal/ide"
	"github.com/agenticwork/sessiond/internal/ports"
	"github.com/agenticwork/sessiond/internal/sandbox"
	"github.com/agenticwork/sessiond/internal/session"
	"github.com/agenticwork/sessiond/internal/store"
	"github.com/agenticwork/sessiond/internal/workspace"
)

// Error codes returned in API responses
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeStorageLimit      = "STORAGE_LIMIT_EXCEEDED"
	ErrCodeStorageUnavail    = "STORAGE_UNAVAILABLE"
	ErrCodeCapacityExhausted = "CAPACITY_EXHAUSTED"
	ErrCodePrivilegeDenied   = "PRIVILEGE_DENIED"
	ErrCodeStateInvalid      = "STATE_INVALID"
	ErrCodeAuthRequired      = "AUTH_REQUIRED"
	ErrCodeUpstreamFailure   = "UPSTREAM_FAILURE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// WebSocket close codes for protocol-level failures.
const (
	wsCloseUnauthorized     = 4000
	wsCloseMissingParameter = 4001
	wsCloseNoSession        = 4002
	wsCloseUnavailable      = 4003
)

// APIError is the structured error response body.
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps known sentinel errors to structured responses.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, ide.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		apiErr = APIError{Code: ErrCodeNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrQuotaExceeded):
		apiErr = APIError{Code: ErrCodeQuotaExceeded, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrStorageLimitExceeded):
		apiErr = APIError{Code: ErrCodeStorageLimit, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrStorageUnavailable):
		apiErr = APIError{Code: ErrCodeStorageUnavail, Message: err.Error()}
		statusCode = http.StatusInternalServerError

	case errors.Is(err, ports.ErrNoPorts), errors.Is(err, sandbox.ErrCapacityExhausted):
		apiErr = APIError{Code: ErrCodeCapacityExhausted, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, sandbox.ErrPrivilegeDenied):
		apiErr = APIError{Code: ErrCodePrivilegeDenied, Message: err.Error()}
		statusCode = http.StatusInternalServerError

	case errors.Is(err, session.ErrStateInvalid), errors.Is(err, ide.ErrAlreadyActive):
		apiErr = APIError{Code: ErrCodeStateInvalid, Message: err.Error()}
		statusCode = http.StatusConflict

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 with validation details.
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401.
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeAuthRequired,
		Message: message,
	})
}
