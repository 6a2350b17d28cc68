package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/labkasten/internal/admission"
	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
)

// Error codes returned in API responses
const (
	ErrCodeQuotaExceeded          = "QUOTA_EXCEEDED"
	ErrCodeSessionAlreadyExists   = "SESSION_ALREADY_EXISTS"
	ErrCodeSessionNotFound        = "SESSION_NOT_FOUND"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeForbidden              = "FORBIDDEN"
	ErrCodeImagePullFailed        = "IMAGE_PULL_FAILED"
	ErrCodeContainerCreateFailed  = "CONTAINER_CREATE_FAILED"
	ErrCodeRuntimeUnavailable     = "RUNTIME_UNAVAILABLE"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrCodeSessionNotRunning      = "SESSION_NOT_RUNNING"
	ErrCodeSessionBusy            = "SESSION_BUSY"
	ErrCodeInvalidImage           = "INVALID_IMAGE"
	ErrCodeInvalidLimits          = "INVALID_LIMITS"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

var errorStatus = []struct {
	target error
	status int
	code   string
}{
	{admission.ErrQuotaExceeded, http.StatusConflict, ErrCodeQuotaExceeded},
	{session.ErrSessionAlreadyExists, http.StatusConflict, ErrCodeSessionAlreadyExists},
	{session.ErrSessionNotFound, http.StatusNotFound, ErrCodeSessionNotFound},
	{auth.ErrUnauthorized, http.StatusUnauthorized, ErrCodeUnauthorized},
	{auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	{session.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{runtime.ErrImagePullFailed, http.StatusBadGateway, ErrCodeImagePullFailed},
	{runtime.ErrContainerCreateFailed, http.StatusBadGateway, ErrCodeContainerCreateFailed},
	{runtime.ErrRuntimeUnavailable, http.StatusServiceUnavailable, ErrCodeRuntimeUnavailable},
	{session.ErrInvalidStateTransition, http.StatusConflict, ErrCodeInvalidStateTransition},
	{session.ErrNotRunning, http.StatusConflict, ErrCodeSessionNotRunning},
	{session.ErrBusy, http.StatusConflict, ErrCodeSessionBusy},
	{session.ErrInvalidImage, http.StatusBadRequest, ErrCodeInvalidImage},
	{session.ErrInvalidLimits, http.StatusBadRequest, ErrCodeInvalidLimits},
	{session.ErrInvalidRequest, http.StatusBadRequest, ErrCodeInvalidRequest},
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := APIError{Code: ErrCodeInternalError, Message: err.Error()}
	statusCode := http.StatusInternalServerError

	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			apiErr.Code = e.code
			statusCode = e.status
			break
		}
	}

	var qe *admission.QuotaError
	if errors.As(err, &qe) {
		apiErr.Details = map[string]interface{}{
			"limit":   qe.Limit,
			"cap":     qe.Cap,
			"current": qe.Current,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="labkasten"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}
