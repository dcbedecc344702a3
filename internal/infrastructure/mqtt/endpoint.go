package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/containment-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// DefaultConnectTimeout bounds a connection attempt when the endpoint sets none.
	DefaultConnectTimeout = 15 * time.Second

	// defaultOperationTimeout is the maximum time to wait for a broker acknowledgment.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Endpoint identifies a broker and the session parameters used against it.
//
// Endpoint is a comparable value. Two endpoints are the same identity only
// when every field is equal; use SameTarget to compare where a session would
// land regardless of the client identifier.
type Endpoint struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration

	// StatusTopic, when set, carries a retained online/offline status for
	// this client and is used as the Last Will topic.
	StatusTopic string
}

// EndpointFromConfig builds an Endpoint from the mqtt configuration section.
func EndpointFromConfig(cfg config.MQTTConfig) Endpoint {
	return Endpoint{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		TLS:            cfg.Broker.TLS,
		Username:       cfg.Auth.Username,
		Password:       cfg.Auth.Password,
		ClientID:       cfg.Broker.ClientID,
		QoS:            byte(cfg.QoS),
		KeepAlive:      cfg.KeepAlive,
		CleanSession:   cfg.CleanSession,
		ConnectTimeout: cfg.ConnectTimeout,
	}
}

// Validate reports whether the endpoint can be dialled.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if e.QoS > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BrokerURL returns the paho broker URL (tcp:// or ssl:// based on TLS).
func (e Endpoint) BrokerURL() string {
	scheme := "tcp"
	if e.TLS {
		scheme = "ssl"
	}
	return scheme + "://" + e.Address()
}

// SameTarget reports whether both endpoints reach the same broker with the
// same credentials. The client identifier and session tuning are ignored.
func (e Endpoint) SameTarget(other Endpoint) bool {
	return e.Host == other.Host &&
		e.Port == other.Port &&
		e.TLS == other.TLS &&
		e.Username == other.Username &&
		e.Password == other.Password
}

// WithUniqueClientID returns a copy whose client identifier is base followed
// by a random suffix. Brokers drop the older session when two clients share
// an identifier, so per-device connections must not reuse one.
func (e Endpoint) WithUniqueClientID(base string) Endpoint {
	if base == "" {
		base = "containment"
	}
	e.ClientID = fmt.Sprintf("%s_%s", base, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return e
}

// connectTimeout returns the effective connect timeout.
func (e Endpoint) connectTimeout() time.Duration {
	if e.ConnectTimeout > 0 {
		return e.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// buildClientOptions creates paho MQTT options for an endpoint.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials (if provided)
//   - Auto-reconnect disabled; reconnection belongs to the caller
//   - Ordered, single-goroutine message delivery
//   - Last Will on the status topic (if configured)
func buildClientOptions(ep Endpoint) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(ep.BrokerURL())
	opts.SetClientID(ep.ClientID)

	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}

	opts.SetCleanSession(ep.CleanSession)

	// Subscriptions are restored by the telemetry layer after every connect,
	// so paho must not reconnect behind its back.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	opts.SetConnectTimeout(ep.connectTimeout())

	keepAlive := ep.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if ep.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: ep.Host,
		})
	}

	if ep.StatusTopic != "" {
		opts.SetWill(ep.StatusTopic, buildStatusPayload(ep.ClientID, "offline", "unexpected_disconnect"), 1, true)
	}

	return opts
}

// buildStatusPayload creates the JSON payload for client status messages.
func buildStatusPayload(clientID, status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(
			`{"status":"%s","client_id":"%s","timestamp":"%s"}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339),
		)
	}
	return fmt.Sprintf(
		`{"status":"%s","client_id":"%s","reason":"%s","timestamp":"%s"}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339),
	)
}
