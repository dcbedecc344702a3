package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Handler receives messages for a subscribed topic.
//
// A returned error is logged and does not affect other handlers.
// Handlers run on the transport's delivery goroutine, in arrival order, so
// they must not block on broker round trips of the same connection.
type Handler func(topic string, payload []byte) error

// HandlerID identifies one subscription handle.
type HandlerID uint64

// Observer is told about every inbound message before handlers run.
type Observer interface {
	Observe(topic string, payload []byte, at time.Time)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(topic string, payload []byte, at time.Time)

// Observe calls f.
func (f ObserverFunc) Observe(topic string, payload []byte, at time.Time) {
	f(topic, payload, at)
}

type handlerEntry struct {
	id      HandlerID
	handler Handler
}

// Multiplexer shares one network subscription per topic among any number of
// handlers on a Connection.
//
// The first handle on a topic issues the network subscribe and removing the
// last one issues the network unsubscribe. After every reconnect each topic
// that still has handles is subscribed again before the connection reports
// itself up.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers and observers run without any Multiplexer lock held.
type Multiplexer struct {
	conn   *Connection
	logger Logger
	now    func() time.Time

	// netMu orders network subscribe/unsubscribe calls against map changes.
	netMu sync.Mutex

	mu     sync.RWMutex
	topics map[string][]handlerEntry
	nextID HandlerID

	obsMu     sync.RWMutex
	observers []Observer
}

// NewMultiplexer attaches a Multiplexer to conn. A Connection has at most
// one Multiplexer; attaching a second replaces the first as message consumer.
func NewMultiplexer(conn *Connection) *Multiplexer {
	m := &Multiplexer{
		conn:   conn,
		logger: conn.logger,
		now:    time.Now,
		topics: make(map[string][]handlerEntry),
	}
	conn.setMessageHandler(m.dispatch)
	conn.addConnectHook(m.resubscribeAll)
	return m
}

// Connection returns the underlying connection.
func (m *Multiplexer) Connection() *Connection {
	return m.conn
}

// Subscribe registers handler for topic and returns its handle.
//
// The connection is established first if needed. topic may be an MQTT
// filter with + or # wildcards; handlers registered on a filter receive
// every message whose topic matches it.
//
// Parameters:
//   - ctx: bounds the wait for the connection
//   - topic: exact topic or filter
//   - handler: callback for each message
//
// Returns:
//   - HandlerID: handle for Unsubscribe
//   - error: ErrInvalidTopic, or ErrSubscribeFailed wrapping the cause
func (m *Multiplexer) Subscribe(ctx context.Context, topic string, handler Handler) (HandlerID, error) {
	if err := mqtt.ValidateFilter(topic); err != nil {
		return 0, err
	}
	if handler == nil {
		return 0, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if err := m.conn.Connect(ctx); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	entries := m.topics[topic]
	first := len(entries) == 0
	m.topics[topic] = append(entries, handlerEntry{id: id, handler: handler})
	m.mu.Unlock()

	if !first {
		return id, nil
	}

	if err := m.conn.transport.Subscribe(topic); err != nil {
		m.removeHandles(topic, []HandlerID{id})
		if !errors.Is(err, ErrSubscribeFailed) {
			err = fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
		}
		return 0, err
	}

	m.logger.Debug("subscribed", "topic", topic, "broker", m.conn.endpoint.Address())
	return id, nil
}

// Unsubscribe removes handles from topic. With no ids every handle on the
// topic is removed. The network subscription is dropped once no handle
// remains. Unknown topics and ids are ignored.
func (m *Multiplexer) Unsubscribe(topic string, ids ...HandlerID) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	empty, existed := m.removeHandles(topic, ids)
	if !existed || !empty {
		return nil
	}

	if !m.conn.IsConnected() {
		// The session is gone and the topic will not be restored.
		return nil
	}
	if err := m.conn.transport.Unsubscribe(topic); err != nil {
		if !errors.Is(err, ErrUnsubscribeFailed) {
			err = fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
		}
		return err
	}

	m.logger.Debug("unsubscribed", "topic", topic, "broker", m.conn.endpoint.Address())
	return nil
}

// removeHandles deletes ids (or all handles when ids is empty) and reports
// whether the topic is now empty and whether it existed at all.
func (m *Multiplexer) removeHandles(topic string, ids []HandlerID) (empty, existed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.topics[topic]
	if !ok {
		return false, false
	}

	if len(ids) == 0 {
		delete(m.topics, topic)
		return true, true
	}

	drop := make(map[HandlerID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if !drop[e.id] {
			kept = append(kept, e)
		}
	}

	if len(kept) == 0 {
		delete(m.topics, topic)
		return true, true
	}
	m.topics[topic] = kept
	return false, true
}

// AddObserver registers o for every inbound message.
func (m *Multiplexer) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Topics returns the topics that currently have handles, sorted.
func (m *Multiplexer) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// HandlerCount returns the number of handles on topic.
func (m *Multiplexer) HandlerCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// hasHandle reports whether id is still registered on topic.
func (m *Multiplexer) hasHandle(topic string, id HandlerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.topics[topic] {
		if e.id == id {
			return true
		}
	}
	return false
}

// resubscribeAll restores every topic that still has handles. It runs as a
// connect hook, before the connection is announced as up.
func (m *Multiplexer) resubscribeAll(_ context.Context) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	topics := m.Topics()
	var errs []error
	for _, topic := range topics {
		if err := m.conn.transport.Subscribe(topic); err != nil {
			errs = append(errs, err)
			continue
		}
	}

	if len(topics) > 0 {
		m.logger.Info("subscriptions restored",
			"broker", m.conn.endpoint.Address(),
			"topics", len(topics)-len(errs),
			"failed", len(errs),
		)
	}
	return errors.Join(errs...)
}

// dispatch delivers one inbound message to observers and matching handlers.
func (m *Multiplexer) dispatch(topic string, payload []byte) {
	at := m.now()

	m.obsMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	for _, o := range observers {
		m.observe(o, topic, payload, at)
	}

	m.mu.RLock()
	var targets []handlerEntry
	targets = append(targets, m.topics[topic]...)
	for filter, entries := range m.topics {
		if filter != topic && mqtt.IsFilter(filter) && mqtt.TopicMatches(filter, topic) {
			targets = append(targets, entries...)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		m.logger.Debug("no handlers for topic", "topic", topic)
		return
	}

	for _, e := range targets {
		m.invoke(e, topic, payload)
	}
}

func (m *Multiplexer) invoke(e handlerEntry, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("MQTT handler panic recovered",
				"topic", topic,
				"handler", e.id,
				"panic", r,
			)
		}
	}()

	if err := e.handler(topic, payload); err != nil {
		m.logger.Warn("MQTT handler returned error",
			"topic", topic,
			"handler", e.id,
			"error", err,
		)
	}
}

func (m *Multiplexer) observe(o Observer, topic string, payload []byte, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message observer panic recovered",
				"topic", topic,
				"panic", r,
			)
		}
	}()
	o.Observe(topic, payload, at)
}
