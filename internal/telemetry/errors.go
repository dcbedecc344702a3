package telemetry

import (
	"errors"
	"fmt"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Transport-level errors, re-exported so callers only need this package.
var (
	ErrNotConnected      = mqtt.ErrNotConnected
	ErrConnectFailed     = mqtt.ErrConnectFailed
	ErrPublishFailed     = mqtt.ErrPublishFailed
	ErrSubscribeFailed   = mqtt.ErrSubscribeFailed
	ErrUnsubscribeFailed = mqtt.ErrUnsubscribeFailed
	ErrInvalidTopic      = mqtt.ErrInvalidTopic
)

// Domain-specific errors for telemetry operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTimeout is returned when no response arrived before the operation deadline.
	ErrTimeout = errors.New("telemetry: operation timed out")

	// ErrCancelled is returned when a pending operation was cancelled.
	ErrCancelled = errors.New("telemetry: operation cancelled")

	// ErrRejected is returned when the device answered with a failure outcome.
	// The concrete error is a *RejectedError carrying the response.
	ErrRejected = errors.New("telemetry: operation rejected by device")

	// ErrMalformedResponse is returned when a matched response carries no outcome.
	ErrMalformedResponse = errors.New("telemetry: response has no outcome")

	// ErrDuplicateOperation is returned when a key is already pending.
	ErrDuplicateOperation = errors.New("telemetry: operation already pending")

	// ErrMissingTarget is returned when a command has no target for its correlation key.
	ErrMissingTarget = errors.New("telemetry: command has no correlation target")

	// ErrInvalidCommand is returned when a command or request is incomplete.
	ErrInvalidCommand = errors.New("telemetry: invalid command")

	// ErrCorrelatorClosed is returned for calls made on, or pending in, a closed correlator.
	ErrCorrelatorClosed = errors.New("telemetry: correlator closed")

	// ErrConnectionClosed is returned when Disconnect interrupts a connect.
	ErrConnectionClosed = errors.New("telemetry: connection closed")

	// ErrEndpointMismatch is returned when a device is already bound to another broker.
	ErrEndpointMismatch = errors.New("telemetry: device bound to a different endpoint")

	// ErrUnknownDevice is returned when the registry has no session for a device.
	ErrUnknownDevice = errors.New("telemetry: unknown device")

	// ErrDeviceIDRequired is returned when a device id is empty.
	ErrDeviceIDRequired = errors.New("telemetry: device id is required")
)

// RejectedError reports a response whose outcome was failure.
type RejectedError struct {
	Key      string
	Status   string
	Message  string
	Response *Response
}

func (e *RejectedError) Error() string {
	reason := e.Message
	if reason == "" {
		reason = e.Status
	}
	if reason == "" {
		return fmt.Sprintf("telemetry: operation %s rejected by device", e.Key)
	}
	return fmt.Sprintf("telemetry: operation %s rejected by device: %s", e.Key, reason)
}

// Unwrap makes errors.Is(err, ErrRejected) hold.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}
