package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoTransport implements Transport with paho.mqtt.golang.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Messages are delivered to Events.OnMessage in arrival order.
type PahoTransport struct {
	client   pahomqtt.Client
	endpoint Endpoint
	events   Events

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// NewPahoTransport creates an unconnected transport for ep.
func NewPahoTransport(ep Endpoint, events Events) *PahoTransport {
	t := &PahoTransport{
		endpoint: ep,
		events:   events,
	}

	opts := buildClientOptions(ep)
	opts.SetDefaultPublishHandler(t.handleMessage)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if t.events.OnConnectionLost != nil {
			t.events.OnConnectionLost(err)
		}
	})

	t.client = pahomqtt.NewClient(opts)
	return t
}

// Connect establishes the broker session.
//
// The attempt is bounded by the endpoint's connect timeout and by ctx,
// whichever ends first. On success the online status is published when the
// endpoint has a status topic.
func (t *PahoTransport) Connect(ctx context.Context) error {
	if err := t.endpoint.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	token := t.client.Connect()
	if err := waitToken(ctx, token, t.endpoint.connectTimeout()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, t.endpoint.Address(), err)
	}

	if t.endpoint.StatusTopic != "" {
		payload := buildStatusPayload(t.endpoint.ClientID, "online", "")
		t.client.Publish(t.endpoint.StatusTopic, 1, true, payload)
	}
	return nil
}

// Disconnect gracefully closes the session, publishing the offline status first
// when the endpoint has a status topic.
func (t *PahoTransport) Disconnect() {
	if t.client == nil {
		return
	}
	if t.endpoint.StatusTopic != "" && t.client.IsConnectionOpen() {
		payload := buildStatusPayload(t.endpoint.ClientID, "offline", "graceful_shutdown")
		token := t.client.Publish(t.endpoint.StatusTopic, 1, true, payload)
		token.WaitTimeout(defaultOperationTimeout)
	}
	t.client.Disconnect(defaultDisconnectQuiesce)
}

// IsConnected returns the paho view of the session.
func (t *PahoTransport) IsConnected() bool {
	return t.client != nil && t.client.IsConnectionOpen()
}

// SetLogger sets a logger for error and panic logging.
// If not set, handler panics are recovered silently.
func (t *PahoTransport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (t *PahoTransport) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// handleMessage forwards a paho message to OnMessage with panic recovery.
func (t *PahoTransport) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if t.events.OnMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if logger := t.getLogger(); logger != nil {
				logger.Error("MQTT message handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}
	}()
	t.events.OnMessage(msg.Topic(), msg.Payload())
}

// waitToken waits for a paho token to complete, bounded by timeout and ctx.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
