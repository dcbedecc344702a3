package mqtt

import (
	"fmt"
	"strings"
)

// Topic roots used by containment devices and services.
//
// Device firmware predates the prefixed scheme, so sensor and access-control
// topics keep their historical casing. Core-owned topics live under the
// configurable prefix (default "containment").
const (
	// TopicRootSensor is the base for rack sensor readings.
	TopicRootSensor = "Containment/Sensor"

	// TopicRootAccessControl is the base for access-control devices.
	TopicRootAccessControl = "accessControl/device"

	// TopicContainmentStatus carries the aggregated containment status.
	TopicContainmentStatus = "IOT/Containment/Status"

	// DefaultTopicPrefix is the prefix for core-owned topics.
	DefaultTopicPrefix = "containment"
)

// Topics provides builders for containment MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Prefix: "containment"}
//	statusTopic := topics.SystemStatus()
//	// Returns: "containment/system/status"
type Topics struct {
	// Prefix for core-owned topics. Empty means DefaultTopicPrefix.
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// =============================================================================
// Device Topics
// =============================================================================

// Sensor returns the reading topic for a rack sensor.
//
// Example: Containment/Sensor/Temperature_1
func (Topics) Sensor(name string) string {
	return fmt.Sprintf("%s/%s", TopicRootSensor, name)
}

// AccessCommand returns the topic access-control commands are published on.
//
// Example: accessControl/device/command
func (Topics) AccessCommand() string {
	return TopicRootAccessControl + "/command"
}

// AccessResponse returns the topic access-control devices answer on.
//
// Example: accessControl/device/response
func (Topics) AccessResponse() string {
	return TopicRootAccessControl + "/response"
}

// ContainmentStatus returns the aggregated containment status topic.
//
// Example: IOT/Containment/Status
func (Topics) ContainmentStatus() string {
	return TopicContainmentStatus
}

// =============================================================================
// Core Topics
// =============================================================================

// SystemStatus returns the core's retained online/offline status topic.
//
// Example: containment/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// DeviceLiveness returns the topic liveness flips are republished on.
//
// Example: containment/liveness/palm-1
func (t Topics) DeviceLiveness(deviceID string) string {
	return fmt.Sprintf("%s/liveness/%s", t.prefix(), deviceID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllSensors returns a pattern matching every sensor reading.
//
// Pattern: Containment/Sensor/+
func (Topics) AllSensors() string {
	return TopicRootSensor + "/+"
}

// AllLiveness returns a pattern matching every republished liveness flip.
//
// Pattern: containment/liveness/+
func (t Topics) AllLiveness() string {
	return fmt.Sprintf("%s/liveness/+", t.prefix())
}

// =============================================================================
// Topic Validation and Matching
// =============================================================================

// IsFilter reports whether topic contains MQTT wildcards.
func IsFilter(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

// ValidatePublishTopic checks a concrete topic used for publishing.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if IsFilter(topic) {
		return fmt.Errorf("%w: wildcards not allowed when publishing to %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter.
//
// "+" must occupy a whole level and "#" must be the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case IsFilter(level):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// TopicMatches reports whether a concrete topic matches a subscription filter.
//
//	TopicMatches("Containment/Sensor/+", "Containment/Sensor/Temperature_1") // true
//	TopicMatches("containment/#", "containment")                              // true
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
