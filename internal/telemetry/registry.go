package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Session bundles the per-device connection stack handed out by a Registry.
type Session struct {
	DeviceID   string
	Conn       *Connection
	Mux        *Multiplexer
	Correlator *Correlator

	listener ListenerID
}

// RegistryOptions configures every session a Registry creates.
type RegistryOptions struct {
	Connection ConnectionOptions
	Correlator CorrelatorOptions

	// KeyStrategy for each session's correlator. Nil selects CommandTargetStrategy.
	KeyStrategy KeyStrategy

	// ClientIDPrefix prefixes generated client ids as <prefix>_<device>_<suffix>.
	// Empty means "device".
	ClientIDPrefix string

	Logger Logger
}

// DeviceListener is told when a device's connection goes up or down.
type DeviceListener func(deviceID string, connected bool)

type registryListener struct {
	id ListenerID
	fn DeviceListener
}

// Registry owns one Session per device so callers never open a second
// connection for a device that already has one.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Registry struct {
	dial   mqtt.Dialer
	opts   RegistryOptions
	logger Logger

	mu       sync.Mutex
	sessions map[string]*Session

	listenerMu   sync.RWMutex
	listeners    []registryListener
	nextListener ListenerID
}

// NewRegistry creates an empty Registry that dials through dial.
func NewRegistry(dial mqtt.Dialer, opts RegistryOptions) *Registry {
	opts.Logger = orNoop(opts.Logger)
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = opts.Logger
	}
	if opts.Correlator.Logger == nil {
		opts.Correlator.Logger = opts.Logger
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = "device"
	}
	return &Registry{
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// ConnectionFor returns the session for deviceID, creating it on first use.
//
// A repeated call with an endpoint that reaches the same broker returns the
// existing session. A call with a different target fails with
// ErrEndpointMismatch; release the device first to rebind it. The session is
// not connected until it is used or Conn.Connect is called.
//
// An endpoint without a client id gets a generated unique one.
func (r *Registry) ConnectionFor(deviceID string, ep mqtt.Endpoint) (*Session, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if s, ok := r.sessions[deviceID]; ok {
		r.mu.Unlock()
		bound := s.Conn.Endpoint()
		if !bound.SameTarget(ep) {
			return nil, fmt.Errorf("%w: device %s is bound to %s, requested %s",
				ErrEndpointMismatch, deviceID, bound.Address(), ep.Address())
		}
		return s, nil
	}

	if ep.ClientID == "" {
		ep = ep.WithUniqueClientID(r.opts.ClientIDPrefix + "_" + deviceID)
	}

	conn := NewConnection(ep, r.dial, r.opts.Connection)
	mux := NewMultiplexer(conn)
	s := &Session{
		DeviceID:   deviceID,
		Conn:       conn,
		Mux:        mux,
		Correlator: NewCorrelator(mux, r.opts.KeyStrategy, r.opts.Correlator),
	}
	r.sessions[deviceID] = s
	r.mu.Unlock()

	// Skip the immediate callback AddListener makes; only real updates are forwarded.
	var registered atomic.Bool
	s.listener = conn.AddListener(func(connected bool) {
		if registered.Load() {
			r.notify(deviceID, connected)
		}
	})
	registered.Store(true)

	r.logger.Info("device session created",
		"device_id", deviceID,
		"broker", ep.Address(),
		"client_id", ep.ClientID,
	)
	return s, nil
}

// Get returns the session for deviceID if one exists.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Release disconnects and forgets the session for deviceID.
func (r *Registry) Release(deviceID string) error {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	if ok {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	s.Correlator.Close()
	s.Conn.RemoveListener(s.listener)
	wasConnected := s.Conn.IsConnected()
	s.Conn.Disconnect()
	if wasConnected {
		r.notify(deviceID, false)
	}

	r.logger.Info("device session released", "device_id", deviceID)
	return nil
}

// Devices returns the ids of all sessions, sorted.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the connection state of every session.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(sessions))
	for _, s := range sessions {
		out[s.DeviceID] = s.Conn.State()
	}
	return out
}

// AddListener registers fn for connection changes of every device.
func (r *Registry) AddListener(fn DeviceListener) ListenerID {
	if fn == nil {
		return 0
	}
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.nextListener++
	r.listeners = append(r.listeners, registryListener{id: r.nextListener, fn: fn})
	return r.nextListener
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (r *Registry) RemoveListener(id ListenerID) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(deviceID string, connected bool) {
	r.listenerMu.RLock()
	listeners := make([]registryListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("registry listener panic recovered",
						"device_id", deviceID,
						"panic", p,
					)
				}
			}()
			l.fn(deviceID, connected)
		}()
	}
}

// Close releases every session concurrently.
func (r *Registry) Close() error {
	var g errgroup.Group
	for _, id := range r.Devices() {
		g.Go(func() error {
			return r.Release(id)
		})
	}
	return g.Wait()
}
