package liveness

import "errors"

// Domain-specific errors for liveness tracking.
var (
	// ErrInvalidConfig is returned when thresholds are missing or out of range.
	ErrInvalidConfig = errors.New("liveness: invalid configuration")

	// ErrDeviceIDRequired is returned when an operation needs a device id.
	ErrDeviceIDRequired = errors.New("liveness: device id is required")

	// ErrUnknownDevice is returned when a device has no liveness record.
	ErrUnknownDevice = errors.New("liveness: unknown device")
)
