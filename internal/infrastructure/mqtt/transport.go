package mqtt

import "context"

// Transport is a single broker session.
//
// Implementations only move bytes. They never reconnect on their own and
// never remember subscriptions across sessions; the telemetry layer owns
// both. Connection loss and inbound messages are reported through the
// Events supplied when the transport was dialled.
type Transport interface {
	// Connect opens the session. It blocks until the broker accepts the
	// session, the attempt fails, or ctx is done.
	Connect(ctx context.Context) error

	// Disconnect closes the session. It does not fire OnConnectionLost.
	Disconnect()

	// IsConnected reports the transport's own view of the session.
	IsConnected() bool

	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, retained bool) error
}

// Events are the callbacks a Transport raises.
//
// OnMessage is invoked from a single goroutine in arrival order, so it must
// not block on calls back into the same transport.
type Events struct {
	OnConnectionLost func(err error)
	OnMessage        func(topic string, payload []byte)
}

// Dialer creates an unconnected Transport for an endpoint.
type Dialer func(ep Endpoint, events Events) Transport

// PahoDialer is the production Dialer backed by paho.mqtt.golang.
func PahoDialer(ep Endpoint, events Events) Transport {
	return NewPahoTransport(ep, events)
}
