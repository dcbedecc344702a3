package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret is a secret that meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "10.0.0.5"
    port: 9000
    client_id: "test-client"
  qos: 1
  connect_timeout: 2s
  reconnect:
    delay: 3s
    poll_interval: 1s
correlator:
  default_timeout: 2000ms
  key_strategy: correlation_id
liveness:
  stale_after: 5m
  failure_threshold: 3
  check_interval: 30s
devices:
  - id: "palm-1"
    topic: "Containment/Sensor/Temperature_1"
    endpoint:
      host: "10.0.0.5"
      port: 9000
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.MQTT.Broker.Host != "10.0.0.5" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "10.0.0.5")
	}
	if cfg.MQTT.ConnectTimeout != 2*time.Second {
		t.Errorf("MQTT.ConnectTimeout = %v, want 2s", cfg.MQTT.ConnectTimeout)
	}
	if cfg.MQTT.Reconnect.Delay != 3*time.Second {
		t.Errorf("MQTT.Reconnect.Delay = %v, want 3s", cfg.MQTT.Reconnect.Delay)
	}
	if cfg.Correlator.DefaultTimeout != 2*time.Second {
		t.Errorf("Correlator.DefaultTimeout = %v, want 2s", cfg.Correlator.DefaultTimeout)
	}
	if cfg.Liveness.FailureThreshold != 3 {
		t.Errorf("Liveness.FailureThreshold = %d, want 3", cfg.Liveness.FailureThreshold)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Endpoint == nil || cfg.Devices[0].Endpoint.Port != 9000 {
		t.Errorf("Devices = %+v, want one device with endpoint port 9000", cfg.Devices)
	}
	// Unset sections keep their defaults.
	if cfg.MQTT.TopicPrefix != "containment" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "containment")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWT.Secret = validJWTSecret
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "missing broker host", mutate: func(c *Config) { c.MQTT.Broker.Host = "" }, wantErr: "mqtt.broker.host"},
		{name: "invalid broker port", mutate: func(c *Config) { c.MQTT.Broker.Port = 0 }, wantErr: "mqtt.broker.port"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "zero connect timeout", mutate: func(c *Config) { c.MQTT.ConnectTimeout = 0 }, wantErr: "connect_timeout"},
		{name: "zero reconnect delay", mutate: func(c *Config) { c.MQTT.Reconnect.Delay = 0 }, wantErr: "reconnect.delay"},
		{name: "zero poll interval", mutate: func(c *Config) { c.MQTT.Reconnect.PollInterval = 0 }, wantErr: "poll_interval"},
		{name: "zero correlator timeout", mutate: func(c *Config) { c.Correlator.DefaultTimeout = 0 }, wantErr: "default_timeout"},
		{name: "unknown key strategy", mutate: func(c *Config) { c.Correlator.KeyStrategy = "fifo" }, wantErr: "key_strategy"},
		{name: "zero stale after", mutate: func(c *Config) { c.Liveness.StaleAfter = 0 }, wantErr: "stale_after"},
		{name: "zero failure threshold", mutate: func(c *Config) { c.Liveness.FailureThreshold = 0 }, wantErr: "failure_threshold"},
		{name: "zero check interval", mutate: func(c *Config) { c.Liveness.CheckInterval = 0 }, wantErr: "check_interval"},
		{
			name:    "device without id",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{Topic: "a/b"}} },
			wantErr: "devices[0].id",
		},
		{
			name:    "duplicate device id",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "d1"}, {ID: "d1"}} },
			wantErr: "duplicated",
		},
		{
			name:    "device endpoint without host",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "d1", Endpoint: &DeviceEndpointConfig{Port: 9000}}} },
			wantErr: "endpoint.host",
		},
		{name: "negative save interval", mutate: func(c *Config) { c.Ingest.SaveInterval = -time.Second }, wantErr: "ingest.save_interval"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "security.jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "32 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateJoinsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Site.ID = ""
	cfg.Liveness.StaleAfter = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "site.id") || !strings.Contains(err.Error(), "stale_after") {
		t.Errorf("Validate() error = %v, want both problems reported", err)
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("CONTAINMENT_DATABASE_PATH", "/custom/path.db")
	t.Setenv("CONTAINMENT_MQTT_HOST", "mqtt.example.com")
	t.Setenv("CONTAINMENT_MQTT_PORT", "9000")
	t.Setenv("CONTAINMENT_MQTT_CLIENT_ID", "core-b")
	t.Setenv("CONTAINMENT_MQTT_USERNAME", "testuser")
	t.Setenv("CONTAINMENT_MQTT_PASSWORD", "testpass")
	t.Setenv("CONTAINMENT_MQTT_TLS", "true")
	t.Setenv("CONTAINMENT_MQTT_TOPIC_PREFIX", "site-b")
	t.Setenv("CONTAINMENT_API_HOST", "192.168.1.1")
	t.Setenv("CONTAINMENT_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("CONTAINMENT_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Broker.Port != 9000 {
		t.Errorf("MQTT.Broker.Port = %d, want 9000", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Broker.ClientID != "core-b" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "core-b")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if !cfg.MQTT.Broker.TLS {
		t.Error("MQTT.Broker.TLS = false, want true")
	}
	if cfg.MQTT.TopicPrefix != "site-b" {
		t.Errorf("MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "site-b")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("CONTAINMENT_MQTT_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Defaults()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.ConnectTimeout != 15*time.Second {
		t.Errorf("defaultConfig MQTT.ConnectTimeout = %v, want 15s", cfg.MQTT.ConnectTimeout)
	}
	if cfg.MQTT.Reconnect.Delay != 5*time.Second {
		t.Errorf("defaultConfig MQTT.Reconnect.Delay = %v, want 5s", cfg.MQTT.Reconnect.Delay)
	}
	if cfg.Correlator.DefaultTimeout != 10*time.Second {
		t.Errorf("defaultConfig Correlator.DefaultTimeout = %v, want 10s", cfg.Correlator.DefaultTimeout)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
