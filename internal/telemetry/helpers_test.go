package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt/mqtttest"
)

// Short intervals keep reconnect and poll tests fast.
const (
	testReconnectDelay = 20 * time.Millisecond
	testPollInterval   = time.Hour
	testConnectTimeout = 500 * time.Millisecond
	waitTimeout        = 2 * time.Second
)

func testEndpoint() mqtt.Endpoint {
	return mqtt.Endpoint{Host: "10.0.0.5", Port: 9000, ClientID: "test-client"}
}

func testOptions(logger Logger) ConnectionOptions {
	return ConnectionOptions{
		ConnectTimeout: testConnectTimeout,
		ReconnectDelay: testReconnectDelay,
		PollInterval:   testPollInterval,
		Logger:         logger,
	}
}

// newTestConnection returns an idle connection on a mock broker.
func newTestConnection(t *testing.T, opts ConnectionOptions) (*Connection, *mqtttest.MockTransport) {
	t.Helper()
	broker := mqtttest.NewBroker()
	conn := NewConnection(testEndpoint(), broker.Dial, opts)
	t.Cleanup(conn.Disconnect)
	return conn, broker.Last()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateRecorder collects listener callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *stateRecorder) record(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, connected)
}

func (r *stateRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func (r *stateRecorder) last() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return false, false
	}
	return r.states[len(r.states)-1], true
}

// recordingLogger implements Logger and keeps every message by level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s: %s", level, msg))
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("INFO", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("WARN", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("ERROR", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}
