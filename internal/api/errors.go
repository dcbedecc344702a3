package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/containment-core/internal/brokerconfig"
	"github.com/nerrad567/containment-core/internal/telemetry"
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
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeTimeout      = "timeout"
	ErrCodeRejected     = "rejected"
	ErrCodeBadGateway   = "bad_gateway"
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

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// commandError is the error body for a failed command call. Response is set
// when the device answered.
type commandError struct {
	Error
	Response *telemetry.Response `json:"response,omitempty"`
}

// writeCommandError maps a correlator error to an HTTP response.
func writeCommandError(w http.ResponseWriter, resp *telemetry.Response, err error) {
	status, code := classify(err)
	writeJSON(w, status, commandError{
		Error:    Error{Status: status, Code: code, Message: err.Error()},
		Response: resp,
	})
}

// classify maps domain errors to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, telemetry.ErrInvalidCommand),
		errors.Is(err, telemetry.ErrInvalidTopic),
		errors.Is(err, telemetry.ErrMissingTarget),
		errors.Is(err, telemetry.ErrDeviceIDRequired),
		errors.Is(err, brokerconfig.ErrInvalidConfig):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, telemetry.ErrUnknownDevice),
		errors.Is(err, brokerconfig.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, telemetry.ErrDuplicateOperation),
		errors.Is(err, telemetry.ErrEndpointMismatch):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, telemetry.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, telemetry.ErrRejected):
		return http.StatusUnprocessableEntity, ErrCodeRejected
	case errors.Is(err, telemetry.ErrMalformedResponse),
		errors.Is(err, brokerconfig.ErrTestFailed):
		return http.StatusBadGateway, ErrCodeBadGateway
	case errors.Is(err, telemetry.ErrNotConnected),
		errors.Is(err, telemetry.ErrConnectFailed),
		errors.Is(err, telemetry.ErrPublishFailed),
		errors.Is(err, telemetry.ErrSubscribeFailed),
		errors.Is(err, telemetry.ErrCorrelatorClosed),
		errors.Is(err, telemetry.ErrCancelled):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes err using classify.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err.Error())
}
