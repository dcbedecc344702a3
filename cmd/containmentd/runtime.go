package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/config"
	"github.com/nerrad567/containment-core/internal/infrastructure/logging"
	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/containment-core/internal/ingest"
	"github.com/nerrad567/containment-core/internal/liveness"
	"github.com/nerrad567/containment-core/internal/telemetry"
)

// subscription is a device topic waiting to be subscribed on a multiplexer.
type subscription struct {
	deviceID string
	topic    string
	mux      *telemetry.Multiplexer
}

// runtime owns the broker sessions and the observers fed by them.
type runtime struct {
	log      *logging.Logger
	base     mqtt.Endpoint
	conn     *telemetry.Connection
	mux      *telemetry.Multiplexer
	corr     *telemetry.Correlator
	registry *telemetry.Registry
	tracker  *liveness.Tracker
	observer *liveness.TopicObserver
	ingester *ingest.Ingester
	subs     []subscription
	retry    time.Duration

	ingestSink     ingest.Sink
	ingestInterval time.Duration

	devMu   sync.Mutex
	devices map[string]config.DeviceConfig
}

// newRuntime builds the shared connection, its correlator, the per-device
// registry and the liveness tracker. Nothing is dialled yet.
func newRuntime(cfg *config.Config, ep mqtt.Endpoint, dial mqtt.Dialer, log *logging.Logger) (*runtime, error) {
	strategy, err := telemetry.KeyStrategyByName(cfg.Correlator.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("correlator: %w", err)
	}

	tracker, err := liveness.NewTracker(liveness.Config{
		StaleAfter:       cfg.Liveness.StaleAfter,
		FailureThreshold: cfg.Liveness.FailureThreshold,
		CheckInterval:    cfg.Liveness.CheckInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("liveness tracker: %w", err)
	}
	tracker.SetLogger(log.Component("liveness"))

	mqttLog := log.Component("mqtt")
	connOpts := telemetry.ConnectionOptions{
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		ReconnectDelay: cfg.MQTT.Reconnect.Delay,
		PollInterval:   cfg.MQTT.Reconnect.PollInterval,
		Logger:         mqttLog,
	}
	corrOpts := telemetry.CorrelatorOptions{
		DefaultTimeout: cfg.Correlator.DefaultTimeout,
		Logger:         log.Component("correlator"),
	}

	conn := telemetry.NewConnection(ep, dial, connOpts)
	mux := telemetry.NewMultiplexer(conn)
	observer := liveness.NewTopicObserver(tracker)
	mux.AddObserver(observer)

	return &runtime{
		log:  log,
		base: ep,
		conn: conn,
		mux:  mux,
		corr: telemetry.NewCorrelator(mux, strategy, corrOpts),
		registry: telemetry.NewRegistry(dial, telemetry.RegistryOptions{
			Connection:     connOpts,
			Correlator:     corrOpts,
			KeyStrategy:    strategy,
			ClientIDPrefix: ep.ClientID,
			Logger:         mqttLog,
		}),
		tracker:  tracker,
		observer: observer,
		retry:    subscribeRetryDelay,
		devices:  make(map[string]config.DeviceConfig),
	}, nil
}

// republisher returns a sink that republishes liveness flips on the shared
// connection.
func (rt *runtime) republisher(topics mqtt.Topics) *liveness.MQTTSink {
	sink := liveness.NewMQTTSink(rt.conn, topics.DeviceLiveness)
	sink.SetLogger(rt.log.Component("liveness"))
	return sink
}

// enableIngest forwards numeric readings from every device topic to sink.
// Call before bindDevices.
func (rt *runtime) enableIngest(sink ingest.Sink, saveInterval time.Duration) {
	rt.ingestSink = sink
	rt.ingestInterval = saveInterval
	rt.ingester = rt.newIngester()
	rt.mux.AddObserver(rt.ingester)
}

func (rt *runtime) newIngester() *ingest.Ingester {
	in := ingest.New(rt.ingestSink, rt.ingestInterval)
	in.SetLogger(rt.log.Component("ingest"))
	return in
}

// bindDevices routes each device's topic to the tracker (and ingester) and
// queues the subscription. Devices with their own endpoint get a dedicated
// session from the registry.
func (rt *runtime) bindDevices(devices []config.DeviceConfig) error {
	for _, d := range devices {
		rt.devMu.Lock()
		rt.devices[d.ID] = d
		rt.devMu.Unlock()

		sub, err := rt.bindDevice(d)
		if err != nil {
			return err
		}
		if sub != nil {
			rt.subs = append(rt.subs, *sub)
		}
	}
	return nil
}

// bindDevice wires one device and returns the subscription it needs, if any.
//
// A device on the shared broker is bound on the shared observer. A device
// with its own endpoint gets a session plus an observer and ingester that
// only see that session, so equal topic names on different brokers are
// credited to the right device.
func (rt *runtime) bindDevice(d config.DeviceConfig) (*subscription, error) {
	mux, observer, ingester := rt.mux, rt.observer, rt.ingester
	if d.Endpoint != nil {
		sess, err := rt.registry.ConnectionFor(d.ID, deviceEndpoint(rt.base, *d.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		mux = sess.Mux
		observer = liveness.NewTopicObserver(rt.tracker)
		mux.AddObserver(observer)
		if rt.ingester != nil {
			ingester = rt.newIngester()
			mux.AddObserver(ingester)
		}
	}

	if d.Topic == "" {
		return nil, nil
	}
	if err := observer.Bind(d.ID, d.Topic); err != nil {
		return nil, fmt.Errorf("device %s: %w", d.ID, err)
	}
	if ingester != nil {
		if err := ingester.Bind(d.ID, d.Topic); err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	return &subscription{deviceID: d.ID, topic: d.Topic, mux: mux}, nil
}

// BindDevice restores the dedicated session of a configured device after
// it was released, and subscribes its topic right away.
func (rt *runtime) BindDevice(ctx context.Context, deviceID string) error {
	rt.devMu.Lock()
	d, ok := rt.devices[deviceID]
	rt.devMu.Unlock()
	if !ok || d.Endpoint == nil {
		return fmt.Errorf("%w: %s has no dedicated endpoint", telemetry.ErrUnknownDevice, deviceID)
	}
	if _, bound := rt.registry.Get(deviceID); bound {
		return nil
	}

	sub, err := rt.bindDevice(d)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if _, err := sub.mux.Subscribe(ctx, sub.topic, observeOnly); err != nil {
		if relErr := rt.registry.Release(deviceID); relErr != nil {
			rt.log.Warn("releasing unbound device session failed", "device_id", deviceID, "error", relErr)
		}
		return fmt.Errorf("device %s: %w", deviceID, err)
	}
	rt.log.Info("device session restored", "device_id", deviceID, "topic", sub.topic)
	return nil
}

// deviceEndpoint combines a device's broker address with the shared
// session tuning. The registry assigns a unique client id.
func deviceEndpoint(base mqtt.Endpoint, d config.DeviceEndpointConfig) mqtt.Endpoint {
	return mqtt.Endpoint{
		Host:           d.Host,
		Port:           d.Port,
		TLS:            d.TLS,
		Username:       d.Username,
		Password:       d.Password,
		QoS:            base.QoS,
		KeepAlive:      base.KeepAlive,
		CleanSession:   base.CleanSession,
		ConnectTimeout: base.ConnectTimeout,
	}
}

// observeOnly is the handler for device topics. The tracker and ingester
// see every message as multiplexer observers.
func observeOnly(string, []byte) error { return nil }

// subscribeLoop connects the shared session and subscribes every queued
// device topic, retrying failures until all succeed or ctx ends. Once
// subscribed, reconnects restore the topics automatically.
func (rt *runtime) subscribeLoop(ctx context.Context) {
	if err := rt.conn.Connect(ctx); err != nil {
		rt.log.Warn("initial broker connection failed, retrying in background",
			"broker", rt.conn.Endpoint().Address(),
			"error", err,
		)
	}

	pending := rt.subs
	for len(pending) > 0 {
		pending = rt.subscribeAll(ctx, pending)
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(rt.retry):
		}
	}
	rt.log.Info("device topics subscribed", "topics", len(rt.subs))
}

// subscribeAll tries each subscription once and returns the failures.
func (rt *runtime) subscribeAll(ctx context.Context, subs []subscription) []subscription {
	var failed []subscription
	for _, s := range subs {
		if _, err := s.mux.Subscribe(ctx, s.topic, observeOnly); err != nil {
			rt.log.Warn("subscribing device topic failed",
				"device_id", s.deviceID,
				"topic", s.topic,
				"error", err,
			)
			failed = append(failed, s)
		}
	}
	return failed
}

// close releases sessions, correlators and the shared connection.
func (rt *runtime) close() {
	rt.log.Info("disconnecting from MQTT")
	if err := rt.registry.Close(); err != nil {
		rt.log.Error("error closing device sessions", "error", err)
	}
	rt.corr.Close()
	rt.conn.Disconnect()
}
