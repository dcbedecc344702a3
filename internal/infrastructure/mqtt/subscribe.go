package mqtt

import (
	"context"
	"fmt"
)

// Subscribe asks the broker for messages on topic.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "Containment/Sensor/+" matches every sensor
//   - # (multi-level): "containment/#" matches everything under the prefix
//
// Messages are delivered through Events.OnMessage, not a per-topic callback.
// The subscription lasts for the current session only.
func (t *PahoTransport) Subscribe(topic string) error {
	if err := ValidateFilter(topic); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	// nil callback routes deliveries to the default publish handler.
	token := t.client.Subscribe(topic, t.endpoint.QoS, nil)
	if err := waitToken(context.Background(), token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Unsubscribe removes a subscription for the current session.
//
// Parameters:
//   - topic: The exact topic pattern that was subscribed to
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (t *PahoTransport) Unsubscribe(topic string) error {
	if err := ValidateFilter(topic); err != nil {
		return err
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Unsubscribe(topic)
	if err := waitToken(context.Background(), token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}
	return nil
}
