package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// State is the lifecycle state of a Connection.
type State int

const (
	// StateIdle means Connect has never been called.
	StateIdle State = iota
	// StateConnecting means an attempt is in flight.
	StateConnecting
	// StateConnected means the session is up and subscriptions are restored.
	StateConnected
	// StateDisconnected means the session was lost, failed, or closed.
	StateDisconnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection defaults.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultPollInterval   = 5 * time.Second
)

const connectKey = "connect"

// ConnectionOptions tunes a Connection. Zero values select the defaults.
type ConnectionOptions struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// ReconnectDelay is the wait after a loss or failed attempt before retrying.
	ReconnectDelay time.Duration

	// PollInterval is how often the cached state is reconciled with the
	// transport and re-announced to listeners.
	PollInterval time.Duration

	Logger Logger
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	o.Logger = orNoop(o.Logger)
	return o
}

// ListenerID identifies a registered listener for later removal.
type ListenerID uint64

type connListener struct {
	id ListenerID
	fn func(connected bool)
}

// Connection is a reconnecting session with one broker endpoint.
//
// A Connection owns exactly one mqtt.Transport. Concurrent Connect calls share
// a single attempt. After a connection loss or a failed attempt it retries
// every ReconnectDelay until Disconnect is called. Listeners hear about every
// transition into or out of StateConnected, and the current state is
// re-announced every PollInterval.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Listeners are invoked without any Connection lock held.
type Connection struct {
	endpoint  mqtt.Endpoint
	transport mqtt.Transport
	opts      ConnectionOptions
	logger    Logger

	connectGroup singleflight.Group

	stateMu        sync.Mutex
	state          State
	closed         bool
	reconnectTimer *time.Timer
	pollStop       chan struct{}

	listenerMu   sync.RWMutex
	listeners    []connListener
	nextListener ListenerID

	hookMu    sync.RWMutex
	onConnect []func(ctx context.Context) error
	onMessage func(topic string, payload []byte)
}

// NewConnection creates an idle Connection. No network activity happens
// until Connect, or until a publish or subscribe needs the session.
func NewConnection(ep mqtt.Endpoint, dial mqtt.Dialer, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		endpoint: ep,
		opts:     opts,
		logger:   opts.Logger,
	}
	c.transport = dial(ep, mqtt.Events{
		OnConnectionLost: c.handleConnectionLost,
		OnMessage:        c.handleMessage,
	})
	return c
}

// Endpoint returns the endpoint this connection was created for.
func (c *Connection) Endpoint() mqtt.Endpoint {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is in StateConnected.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect establishes the session if it is not already up.
//
// Calling Connect while connected returns nil immediately. Calling it while
// an attempt is in flight waits for that attempt and returns its outcome.
// ctx only bounds how long this caller waits; the shared attempt is bounded
// by ConnectTimeout. A failed attempt schedules a retry.
//
// Connect also re-enables automatic reconnection after Disconnect.
func (c *Connection) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	c.closed = false
	connected := c.state == StateConnected
	c.stateMu.Unlock()
	if connected {
		return nil
	}

	ch := c.connectGroup.DoChan(connectKey, func() (any, error) {
		return nil, c.connect()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
	}
}

// connect performs one attempt. It must only run inside connectGroup.
func (c *Connection) connect() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectFailed, ErrConnectionClosed)
	}
	if c.state == StateConnected {
		c.stateMu.Unlock()
		return nil
	}
	c.stopReconnectLocked()
	c.state = StateConnecting
	c.stateMu.Unlock()

	c.logger.Debug("connecting to broker",
		"broker", c.endpoint.Address(),
		"client_id", c.endpoint.ClientID,
	)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	if !c.transport.IsConnected() {
		if err := c.transport.Connect(ctx); err != nil {
			c.transport.Disconnect()
			c.markDisconnected(err)
			if !errors.Is(err, ErrConnectFailed) {
				err = fmt.Errorf("%w: %w", ErrConnectFailed, err)
			}
			return err
		}
	}

	// Subscriptions must be back before anyone is told the session is usable.
	c.runConnectHooks(ctx)

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		c.transport.Disconnect()
		return fmt.Errorf("%w: %w", ErrConnectFailed, ErrConnectionClosed)
	}
	if !c.transport.IsConnected() {
		c.stateMu.Unlock()
		err := fmt.Errorf("%w: session lost during setup", ErrConnectFailed)
		c.markDisconnected(err)
		return err
	}
	c.state = StateConnected
	c.startPollLocked()
	c.stateMu.Unlock()

	c.logger.Info("connected to broker",
		"broker", c.endpoint.Address(),
		"client_id", c.endpoint.ClientID,
	)
	c.announce()
	return nil
}

// Disconnect closes the session and stops reconnection and polling.
// Listeners are told about the loss if the connection was up.
func (c *Connection) Disconnect() {
	c.stateMu.Lock()
	c.closed = true
	c.stopReconnectLocked()
	c.stopPollLocked()
	prev := c.state
	if prev != StateIdle {
		c.state = StateDisconnected
	}
	c.stateMu.Unlock()

	c.transport.Disconnect()

	if prev == StateConnected {
		c.logger.Info("disconnected from broker", "broker", c.endpoint.Address())
		c.announce()
	}
}

// Publish sends payload to topic, connecting first if needed.
func (c *Connection) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if err := mqtt.ValidatePublishTopic(topic); err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return c.transport.Publish(topic, payload, retained)
}

// HealthCheck reports ErrNotConnected unless the connection is up.
func (c *Connection) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// AddListener registers fn for connection state changes and immediately
// calls it with the current state.
func (c *Connection) AddListener(fn func(connected bool)) ListenerID {
	if fn == nil {
		return 0
	}
	c.listenerMu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, connListener{id: id, fn: fn})
	c.listenerMu.Unlock()

	c.callListener(fn, c.IsConnected())
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (c *Connection) RemoveListener(id ListenerID) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// announce tells every listener the current state.
// The state is read at call time so racing announcements converge on the latest one.
func (c *Connection) announce() {
	connected := c.IsConnected()

	c.listenerMu.RLock()
	listeners := make([]connListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		c.callListener(l.fn, connected)
	}
}

func (c *Connection) callListener(fn func(bool), connected bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection listener panic recovered",
				"broker", c.endpoint.Address(),
				"panic", r,
			)
		}
	}()
	fn(connected)
}

// handleConnectionLost is the transport callback for an unexpected loss.
func (c *Connection) handleConnectionLost(err error) {
	c.markDisconnected(err)
}

// markDisconnected moves to StateDisconnected, schedules a retry unless
// closed, and announces the loss if the connection was up.
func (c *Connection) markDisconnected(cause error) {
	c.stateMu.Lock()
	prev := c.state
	c.state = StateDisconnected
	if !c.closed {
		c.scheduleReconnectLocked()
	}
	c.stateMu.Unlock()

	if prev == StateConnected {
		c.logger.Warn("connection to broker lost",
			"broker", c.endpoint.Address(),
			"error", cause,
			"retry_in", c.opts.ReconnectDelay,
		)
		c.announce()
		return
	}
	c.logger.Warn("connection attempt failed",
		"broker", c.endpoint.Address(),
		"error", cause,
		"retry_in", c.opts.ReconnectDelay,
	)
}

func (c *Connection) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, c.reconnect)
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// reconnect runs on the reconnect timer.
func (c *Connection) reconnect() {
	c.stateMu.Lock()
	c.reconnectTimer = nil
	closed := c.closed
	c.stateMu.Unlock()
	if closed {
		return
	}

	_, err, _ := c.connectGroup.Do(connectKey, func() (any, error) {
		return nil, c.connect()
	})
	if err != nil {
		c.logger.Debug("reconnect attempt failed", "broker", c.endpoint.Address(), "error", err)
	}
}

func (c *Connection) startPollLocked() {
	if c.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	c.pollStop = stop
	go c.pollLoop(stop)
}

func (c *Connection) stopPollLocked() {
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

func (c *Connection) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.reconcile()
		}
	}
}

// reconcile catches losses the transport never reported, then re-announces.
func (c *Connection) reconcile() {
	actual := c.transport.IsConnected()
	if c.State() == StateConnected && !actual {
		c.markDisconnected(fmt.Errorf("%w: transport reports session down", ErrNotConnected))
		return
	}
	c.announce()
}

// addConnectHook registers fn to run after every successful transport
// connect and before the connection is announced as up.
func (c *Connection) addConnectHook(fn func(ctx context.Context) error) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Connection) runConnectHooks(ctx context.Context) {
	c.hookMu.RLock()
	hooks := make([]func(context.Context) error, len(c.onConnect))
	copy(hooks, c.onConnect)
	c.hookMu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			c.logger.Warn("connect hook failed",
				"broker", c.endpoint.Address(),
				"error", err,
			)
		}
	}
}

// setMessageHandler installs the single consumer of inbound messages.
func (c *Connection) setMessageHandler(fn func(topic string, payload []byte)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onMessage = fn
}

func (c *Connection) handleMessage(topic string, payload []byte) {
	c.hookMu.RLock()
	fn := c.onMessage
	c.hookMu.RUnlock()
	if fn != nil {
		fn(topic, payload)
	}
}
