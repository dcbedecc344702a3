package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/containment-core/internal/brokerconfig"
	"github.com/nerrad567/containment-core/internal/infrastructure/config"
	"github.com/nerrad567/containment-core/internal/infrastructure/logging"
	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/containment-core/internal/liveness"
	"github.com/nerrad567/containment-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// PrimaryDeviceID labels the shared broker connection in connection events.
const PrimaryDeviceID = ""

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Correlator config.CorrelatorConfig
	Logger     *logging.Logger
	Tracker    *liveness.Tracker

	// Primary is the shared broker connection and its correlator. Both optional.
	Primary           *telemetry.Connection
	PrimaryCorrelator *telemetry.Correlator

	// Registry holds per-device connections. Optional.
	Registry *telemetry.Registry

	// Binder restores a released device session. Optional.
	Binder DeviceBinder

	// BrokerConfigs enables the stored broker configuration routes. Optional.
	BrokerConfigs brokerconfig.Repository
	BaseEndpoint  mqtt.Endpoint
	Dialer        mqtt.Dialer

	Version string
}

// DeviceBinder re-creates a configured device's dedicated session,
// including its liveness binding and topic subscription.
type DeviceBinder interface {
	BindDevice(ctx context.Context, deviceID string) error
}

// Server is the HTTP status and control API.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	secCfg   config.SecurityConfig
	corrCfg  config.CorrelatorConfig
	logger   *logging.Logger
	tracker  *liveness.Tracker
	primary  *telemetry.Connection
	corr     *telemetry.Correlator
	registry *telemetry.Registry
	binder   DeviceBinder
	brokers  brokerconfig.Repository
	baseEP   mqtt.Endpoint
	dial     mqtt.Dialer
	version  string

	hub     *Hub
	tickets *ticketStore
	server  *http.Server
	cancel  context.CancelFunc

	// detach removes the listeners registered by Start.
	detachMu sync.Mutex
	detach   []func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("liveness tracker is required")
	}
	if deps.Dialer == nil {
		deps.Dialer = mqtt.PahoDialer
	}
	deps.WS = wsDefaults(deps.WS)

	return &Server{
		cfg:      deps.Config,
		secCfg:   deps.Security,
		corrCfg:  deps.Correlator,
		logger:   deps.Logger.Component("api"),
		tracker:  deps.Tracker,
		primary:  deps.Primary,
		corr:     deps.PrimaryCorrelator,
		registry: deps.Registry,
		binder:   deps.Binder,
		brokers:  deps.BrokerConfigs,
		baseEP:   deps.BaseEndpoint,
		dial:     deps.Dialer,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger.Component("websocket")),
		tickets:  newTicketStore(),
	}, nil
}

// wsDefaults fills unset WebSocket timings.
func wsDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	return cfg
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It ties the WebSocket hub to ctx, attaches connection and liveness listeners
// that feed the hub, and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	context.AfterFunc(srvCtx, s.hub.Close)
	go s.cleanTicketsLoop(srvCtx)
	s.attachEventSources()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		s.detachEventSources()
		return fmt.Errorf("binding API listener: %w", err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.detachEventSources()
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// attachEventSources relays connection and liveness changes to the hub.
func (s *Server) attachEventSources() {
	s.detachMu.Lock()
	defer s.detachMu.Unlock()

	if s.primary != nil {
		conn := s.primary
		id := conn.AddListener(func(connected bool) {
			s.hub.Broadcast(EventConnectionStateChanged, connectionEvent(PrimaryDeviceID, connected))
		})
		s.detach = append(s.detach, func() { conn.RemoveListener(id) })
	}
	if s.registry != nil {
		reg := s.registry
		id := reg.AddListener(func(deviceID string, connected bool) {
			s.hub.Broadcast(EventConnectionStateChanged, connectionEvent(deviceID, connected))
		})
		s.detach = append(s.detach, func() { reg.RemoveListener(id) })
	}

	tracker := s.tracker
	id := tracker.AddListener(func(ch liveness.Change) {
		s.hub.Broadcast(EventLivenessStatusChanged, livenessEvent(ch))
	})
	s.detach = append(s.detach, func() { tracker.RemoveListener(id) })
}

func (s *Server) detachEventSources() {
	s.detachMu.Lock()
	detach := s.detach
	s.detach = nil
	s.detachMu.Unlock()

	for _, fn := range detach {
		fn()
	}
}
