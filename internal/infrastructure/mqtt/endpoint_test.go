package mqtt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/config"
)

func TestEndpointFromConfig(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "10.0.0.5",
			Port:     9000,
			TLS:      true,
			ClientID: "core",
		},
		Auth:           config.MQTTAuthConfig{Username: "u", Password: "p"},
		QoS:            1,
		KeepAlive:      30 * time.Second,
		CleanSession:   true,
		ConnectTimeout: 2 * time.Second,
	}

	ep := EndpointFromConfig(cfg)

	if ep.Host != "10.0.0.5" || ep.Port != 9000 || !ep.TLS {
		t.Errorf("EndpointFromConfig() address = %s tls=%v, want 10.0.0.5:9000 tls=true", ep.Address(), ep.TLS)
	}
	if ep.Username != "u" || ep.Password != "p" {
		t.Errorf("EndpointFromConfig() credentials = %q/%q, want u/p", ep.Username, ep.Password)
	}
	if ep.QoS != 1 || ep.ConnectTimeout != 2*time.Second || ep.KeepAlive != 30*time.Second {
		t.Errorf("EndpointFromConfig() tuning = %+v", ep)
	}
}

func TestEndpoint_BrokerURL(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		want string
	}{
		{"plain", Endpoint{Host: "10.0.0.5", Port: 9000}, "tcp://10.0.0.5:9000"},
		{"tls", Endpoint{Host: "broker.local", Port: 8883, TLS: true}, "ssl://broker.local:8883"},
		{"ipv6", Endpoint{Host: "::1", Port: 1883}, "tcp://[::1]:1883"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.BrokerURL(); got != tt.want {
				t.Errorf("BrokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ep      Endpoint
		wantErr error
	}{
		{"valid", Endpoint{Host: "localhost", Port: 1883, QoS: 1}, nil},
		{"missing host", Endpoint{Port: 1883}, ErrInvalidEndpoint},
		{"blank host", Endpoint{Host: "  ", Port: 1883}, ErrInvalidEndpoint},
		{"port zero", Endpoint{Host: "localhost"}, ErrInvalidEndpoint},
		{"port too high", Endpoint{Host: "localhost", Port: 70000}, ErrInvalidEndpoint},
		{"bad qos", Endpoint{Host: "localhost", Port: 1883, QoS: 3}, ErrInvalidQoS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ep.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpoint_SameTarget(t *testing.T) {
	base := Endpoint{Host: "10.0.0.5", Port: 9000, Username: "u", Password: "p", ClientID: "a"}

	other := base
	other.ClientID = "b"
	other.KeepAlive = time.Minute
	if !base.SameTarget(other) {
		t.Error("SameTarget() = false for endpoints differing only in client id and tuning")
	}

	moved := base
	moved.Port = 9001
	if base.SameTarget(moved) {
		t.Error("SameTarget() = true for different ports")
	}

	reauth := base
	reauth.Password = "q"
	if base.SameTarget(reauth) {
		t.Error("SameTarget() = true for different credentials")
	}
}

func TestEndpoint_WithUniqueClientID(t *testing.T) {
	ep := Endpoint{Host: "10.0.0.5", Port: 9000}

	a := ep.WithUniqueClientID("palm_device_7")
	b := ep.WithUniqueClientID("palm_device_7")

	if !strings.HasPrefix(a.ClientID, "palm_device_7_") {
		t.Errorf("ClientID = %q, want prefix palm_device_7_", a.ClientID)
	}
	if a.ClientID == b.ClientID {
		t.Errorf("WithUniqueClientID() returned the same id twice: %q", a.ClientID)
	}
	if ep.ClientID != "" {
		t.Error("WithUniqueClientID() mutated the receiver")
	}
	if got := ep.WithUniqueClientID("").ClientID; !strings.HasPrefix(got, "containment_") {
		t.Errorf("ClientID with empty base = %q, want containment_ prefix", got)
	}
}

func TestBuildClientOptions(t *testing.T) {
	ep := Endpoint{
		Host:         "10.0.0.5",
		Port:         9000,
		ClientID:     "core",
		Username:     "u",
		Password:     "p",
		CleanSession: true,
		StatusTopic:  "containment/system/status",
	}

	opts := buildClientOptions(ep)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://10.0.0.5:9000" {
		t.Errorf("Servers = %v, want [tcp://10.0.0.5:9000]", opts.Servers)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if !opts.Order {
		t.Error("Order = false, want true")
	}
	if opts.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("ConnectTimeout = %v, want %v", opts.ConnectTimeout, DefaultConnectTimeout)
	}
	if !opts.WillEnabled || opts.WillTopic != "containment/system/status" || !opts.WillRetained {
		t.Errorf("Will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if opts.Username != "u" {
		t.Errorf("Username = %q, want u", opts.Username)
	}
}

func TestPahoTransport_ConnectRejectsInvalidEndpoint(t *testing.T) {
	tr := NewPahoTransport(Endpoint{Port: 1883}, Events{})

	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("Connect() error = %v, want ErrConnectFailed wrapping ErrInvalidEndpoint", err)
	}
	if tr.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
}

func TestPahoTransport_OperationsRequireConnection(t *testing.T) {
	tr := NewPahoTransport(Endpoint{Host: "localhost", Port: 1883}, Events{})

	if err := tr.Publish("a/b", []byte("x"), false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := tr.Subscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := tr.Unsubscribe("a/b"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
	if err := tr.Publish("a/+", nil, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Publish(wildcard) error = %v, want ErrInvalidTopic", err)
	}
	if err := tr.Publish("a/b", make([]byte, maxPayloadSize+1), false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Publish(oversized) error = %v, want ErrPublishFailed", err)
	}
}
