// Package mqtttest provides an in-memory mqtt.Transport for tests.
//
// A Broker hands out MockTransports through its Dial method, which has the
// mqtt.Dialer signature. Tests drive the transports directly: simulate
// inbound messages, drop the session, make the next connect fail, or hold a
// connect open to observe concurrent callers.
package mqtttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Message is a publish captured by a MockTransport.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Broker creates and tracks MockTransports.
type Broker struct {
	mu         sync.Mutex
	transports []*MockTransport
	connectErr error
}

// NewBroker returns an empty Broker that accepts every connection.
func NewBroker() *Broker {
	return &Broker{}
}

// Dial implements mqtt.Dialer.
func (b *Broker) Dial(ep mqtt.Endpoint, events mqtt.Events) mqtt.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := NewMockTransport(ep, events)
	t.connectErr = b.connectErr
	b.transports = append(b.transports, t)
	return t
}

// SetConnectErr makes every existing and future transport fail Connect with err.
// A nil err lets connections succeed again.
func (b *Broker) SetConnectErr(err error) {
	b.mu.Lock()
	b.connectErr = err
	transports := append([]*MockTransport(nil), b.transports...)
	b.mu.Unlock()

	for _, t := range transports {
		t.SetConnectErr(err)
	}
}

// Transports returns every transport dialled so far.
func (b *Broker) Transports() []*MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*MockTransport(nil), b.transports...)
}

// Last returns the most recently dialled transport, or nil.
func (b *Broker) Last() *MockTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

// DialCount returns how many transports were dialled.
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

// MockTransport implements mqtt.Transport in memory.
type MockTransport struct {
	mu       sync.Mutex
	endpoint mqtt.Endpoint
	events   mqtt.Events

	connected     bool
	connectCalls  int
	connectErr    error
	subscribeErr  error
	publishErr    error
	connectGate   chan struct{}
	subscriptions map[string]bool
	subscribeLog  []string
	unsubLog      []string
	published     []Message
	onPublish     func(topic string, payload []byte)
}

// NewMockTransport returns a disconnected transport.
func NewMockTransport(ep mqtt.Endpoint, events mqtt.Events) *MockTransport {
	return &MockTransport{
		endpoint:      ep,
		events:        events,
		subscriptions: make(map[string]bool),
	}
}

// Connect marks the transport connected unless a connect error is set.
// While a gate from HoldConnect is open, Connect blocks until it is released or ctx ends.
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connectCalls++
	gate := m.connectGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", mqtt.ErrConnectFailed, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return fmt.Errorf("%w: %w", mqtt.ErrConnectFailed, m.connectErr)
	}
	m.connected = true
	m.subscriptions = make(map[string]bool)
	return nil
}

// Disconnect closes the session without raising OnConnectionLost.
func (m *MockTransport) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.subscriptions = make(map[string]bool)
}

// IsConnected reports the simulated session state.
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe records a network subscription.
func (m *MockTransport) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.subscribeLog = append(m.subscribeLog, topic)
	if m.subscribeErr != nil {
		return fmt.Errorf("%w: %s: %w", mqtt.ErrSubscribeFailed, topic, m.subscribeErr)
	}
	m.subscriptions[topic] = true
	return nil
}

// Unsubscribe removes a network subscription.
func (m *MockTransport) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return mqtt.ErrNotConnected
	}
	m.unsubLog = append(m.unsubLog, topic)
	delete(m.subscriptions, topic)
	return nil
}

// Publish records the message and then runs the OnPublish hook, if any,
// outside the transport lock.
func (m *MockTransport) Publish(topic string, payload []byte, retained bool) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return mqtt.ErrNotConnected
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", mqtt.ErrPublishFailed, err)
	}
	m.published = append(m.published, Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Retained: retained,
	})
	hook := m.onPublish
	m.mu.Unlock()

	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

// =============================================================================
// Test controls
// =============================================================================

// Endpoint returns the endpoint the transport was dialled with.
func (m *MockTransport) Endpoint() mqtt.Endpoint {
	return m.endpoint
}

// SimulateMessage delivers an inbound message as the broker would.
// Like a real broker, only topics with a matching subscription are delivered;
// it reports whether the message was delivered.
func (m *MockTransport) SimulateMessage(topic string, payload []byte) bool {
	m.mu.Lock()
	deliver := false
	if m.connected {
		for filter := range m.subscriptions {
			if mqtt.TopicMatches(filter, topic) {
				deliver = true
				break
			}
		}
	}
	handler := m.events.OnMessage
	m.mu.Unlock()

	if deliver && handler != nil {
		handler(topic, payload)
	}
	return deliver
}

// Drop simulates an unexpected connection loss.
func (m *MockTransport) Drop(err error) {
	m.mu.Lock()
	m.connected = false
	m.subscriptions = make(map[string]bool)
	handler := m.events.OnConnectionLost
	m.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

// SetConnected changes the session state silently, as a transport that lost
// its socket without reporting it would.
func (m *MockTransport) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
	if !connected {
		m.subscriptions = make(map[string]bool)
	}
}

// SetConnectErr makes subsequent Connect calls fail.
func (m *MockTransport) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSubscribeErr makes subsequent Subscribe calls fail.
func (m *MockTransport) SetSubscribeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SetPublishErr makes subsequent Publish calls fail.
func (m *MockTransport) SetPublishErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// OnPublish installs a hook run after every successful publish.
func (m *MockTransport) OnPublish(hook func(topic string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPublish = hook
}

// HoldConnect makes Connect block until the returned release func is called.
func (m *MockTransport) HoldConnect() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.connectGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.connectGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// ConnectCalls returns how many times Connect was called.
func (m *MockTransport) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// Subscriptions returns the active network subscriptions, sorted.
func (m *MockTransport) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscriptions))
	for topic := range m.subscriptions {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// SubscribeCalls returns every topic passed to Subscribe, in order.
func (m *MockTransport) SubscribeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribeLog...)
}

// UnsubscribeCalls returns every topic passed to Unsubscribe, in order.
func (m *MockTransport) UnsubscribeCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubLog...)
}

// Published returns every captured publish, in order.
func (m *MockTransport) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}
