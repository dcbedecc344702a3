package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// ErrInvalidBinding is returned by Bind for an empty device id or bad filter.
var ErrInvalidBinding = errors.New("ingest: invalid binding")

// timestampFields are payload keys read as the reading time, in order.
var timestampFields = []string{"timestamp", "time", "datetime"}

// Sink receives extracted readings. influxdb.Client implements it.
type Sink interface {
	WriteReading(deviceID, topic string, fields map[string]float64, at time.Time)
}

// Logger is the logging interface used by the ingester.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Ingester turns device messages into numeric readings.
//
// It is registered as a telemetry.Observer, so it sees every inbound message
// without holding a subscription of its own. Messages on topics that are not
// bound to a device are ignored.
type Ingester struct {
	sink         Sink
	saveInterval time.Duration

	mu        sync.Mutex
	bindings  map[string]string // filter -> device id
	lastSaved map[string]time.Time

	logger Logger
}

// New creates an Ingester writing to sink. A positive saveInterval keeps at
// most one reading per device per interval.
func New(sink Sink, saveInterval time.Duration) *Ingester {
	return &Ingester{
		sink:         sink,
		saveInterval: saveInterval,
		bindings:     make(map[string]string),
		lastSaved:    make(map[string]time.Time),
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger. Call before messages arrive.
func (i *Ingester) SetLogger(l Logger) {
	if l != nil {
		i.logger = l
	}
}

// Bind attributes messages matching filter to deviceID.
func (i *Ingester) Bind(deviceID, filter string) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidBinding)
	}
	if err := mqtt.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBinding, err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bindings[filter] = deviceID
	return nil
}

// Observe implements telemetry.Observer.
func (i *Ingester) Observe(topic string, payload []byte, at time.Time) {
	deviceID, ok := i.deviceFor(topic)
	if !ok {
		return
	}

	fields, ts, err := Extract(payload)
	if err != nil {
		i.logger.Debug("ingest skipped non-JSON payload", "topic", topic, "error", err)
		return
	}
	if len(fields) == 0 {
		return
	}
	if ts.IsZero() {
		ts = at
	}

	if !i.due(deviceID, ts) {
		i.logger.Debug("ingest skipped reading inside save interval", "device_id", deviceID, "topic", topic)
		return
	}
	i.sink.WriteReading(deviceID, topic, fields, ts)
}

// deviceFor returns the device bound to topic. With overlapping filters the
// lexically first filter wins so attribution is stable.
func (i *Ingester) deviceFor(topic string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	filters := make([]string, 0, len(i.bindings))
	for f := range i.bindings {
		if mqtt.TopicMatches(f, topic) {
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return "", false
	}
	sort.Strings(filters)
	return i.bindings[filters[0]], true
}

func (i *Ingester) due(deviceID string, at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.saveInterval > 0 {
		if last, ok := i.lastSaved[deviceID]; ok && at.Sub(last) < i.saveInterval {
			return false
		}
	}
	i.lastSaved[deviceID] = at
	return true
}

// Extract returns the numeric fields of a JSON object payload and the
// payload's own timestamp if it carries one.
//
// Nested objects are flattened with "_" ("power": {"a": 1} becomes
// "power_a"). Booleans become 1 or 0. Strings, arrays and nulls are skipped,
// as are top-level timestamp keys.
func Extract(payload []byte) (map[string]float64, time.Time, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding payload: %w", err)
	}

	fields := make(map[string]float64)
	flatten("", root, fields)
	return fields, payloadTime(root), nil
}

func flatten(prefix string, obj map[string]any, out map[string]float64) {
	for k, v := range obj {
		if prefix == "" && isTimestampField(k) {
			continue
		}
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch val := v.(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				out[key] = f
			}
		case bool:
			if val {
				out[key] = 1
			} else {
				out[key] = 0
			}
		case map[string]any:
			flatten(key, val, out)
		}
	}
}

func payloadTime(root map[string]any) time.Time {
	for k, v := range root {
		if !isTimestampField(k) {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isTimestampField(key string) bool {
	for _, f := range timestampFields {
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}
