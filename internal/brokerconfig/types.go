package brokerconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// Source names where the effective endpoint came from.
type Source string

// Endpoint sources.
const (
	SourceDatabase    Source = "database"
	SourceEnvironment Source = "environment"
)

// Config is a stored broker endpoint.
type Config struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	ClientID string `json:"client_id,omitempty"`

	// KeepAlive is zero for the transport default.
	KeepAlive time.Duration `json:"keep_alive"`

	// UseEnvironment defers to the file/environment endpoint even when active.
	UseEnvironment bool `json:"use_environment"`

	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields needed to dial the broker.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(c.Host) == "" {
		problems = append(problems, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.KeepAlive < 0 {
		problems = append(problems, "keep_alive must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Apply overlays the stored target onto base, keeping base's session tuning
// (QoS, clean session, timeouts, status topic).
func (c Config) Apply(base mqtt.Endpoint) mqtt.Endpoint {
	ep := base
	ep.Host = c.Host
	ep.Port = c.Port
	ep.TLS = c.TLS
	ep.Username = c.Username
	ep.Password = c.Password
	if c.ClientID != "" {
		ep.ClientID = c.ClientID
	}
	if c.KeepAlive > 0 {
		ep.KeepAlive = c.KeepAlive
	}
	return ep
}

// Effective is the endpoint the service should dial and where it came from.
type Effective struct {
	Endpoint mqtt.Endpoint `json:"-"`
	Source   Source        `json:"source"`

	// ConfigID is the stored configuration used, zero for SourceEnvironment.
	ConfigID int64 `json:"config_id,omitempty"`
}
