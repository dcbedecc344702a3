package liveness

import (
	"context"
	"encoding/json"
	"time"
)

// publishTimeout bounds one republish, including any reconnect it triggers.
const publishTimeout = 5 * time.Second

// Publisher is the part of a broker connection an MQTTSink needs.
// telemetry.Connection satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// StatusMessage is the retained payload an MQTTSink publishes per flip.
type StatusMessage struct {
	DeviceID            string    `json:"device_id"`
	Status              string    `json:"status"`
	Online              bool      `json:"online"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	At                  time.Time `json:"at"`
}

// MQTTSink republishes status flips as retained JSON so other services can
// read the current liveness of a device from the broker.
type MQTTSink struct {
	pub    Publisher
	topic  func(deviceID string) string
	logger Logger
}

// NewMQTTSink creates a sink publishing to topic(deviceID) through pub.
func NewMQTTSink(pub Publisher, topic func(deviceID string) string) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, logger: noopLogger{}}
}

// SetLogger sets the logger for publish failures.
func (s *MQTTSink) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// WriteLivenessChange implements ChangeSink. Failures are logged, never returned.
func (s *MQTTSink) WriteLivenessChange(deviceID, status string, failures int, at time.Time) {
	payload, err := json.Marshal(StatusMessage{
		DeviceID:            deviceID,
		Status:              status,
		Online:              status == string(StatusOnline),
		ConsecutiveFailures: failures,
		At:                  at.UTC(),
	})
	if err != nil {
		s.logger.Error("encoding liveness status", "device_id", deviceID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	topic := s.topic(deviceID)
	if err := s.pub.Publish(ctx, topic, payload, true); err != nil {
		s.logger.Warn("republishing liveness status failed",
			"device_id", deviceID,
			"topic", topic,
			"error", err,
		)
	}
}

// Sinks fans one change out to several sinks in order.
type Sinks []ChangeSink

// WriteLivenessChange implements ChangeSink.
func (ss Sinks) WriteLivenessChange(deviceID, status string, failures int, at time.Time) {
	for _, s := range ss {
		if s != nil {
			s.WriteLivenessChange(deviceID, status, failures, at)
		}
	}
}
