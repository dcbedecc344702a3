package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic at the endpoint's QoS.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "accessControl/device/command")
//   - payload: The message payload (typically JSON, max 1MB)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (t *PahoTransport) Publish(topic string, payload []byte, retained bool) error {
	if err := ValidatePublishTopic(topic); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, t.endpoint.QoS, retained, payload)
	if err := waitToken(context.Background(), token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
