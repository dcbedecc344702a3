package brokerconfig

import "errors"

// Domain-specific errors for stored broker configurations.
var (
	// ErrNotFound is returned when no configuration has the requested id.
	ErrNotFound = errors.New("brokerconfig: configuration not found")

	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("brokerconfig: invalid configuration")

	// ErrTestFailed is returned when a trial connection fails.
	ErrTestFailed = errors.New("brokerconfig: connection test failed")
)
