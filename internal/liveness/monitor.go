package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ChangeSink receives every status flip, typically a time-series writer.
type ChangeSink interface {
	WriteLivenessChange(deviceID, status string, failures int, at time.Time)
}

// MonitorConfig holds configuration for a Monitor.
type MonitorConfig struct {
	// Interval is how often Check runs. Required.
	Interval time.Duration

	// Store persists records after every check. Optional.
	Store Store

	// Sink receives status flips. Optional.
	Sink ChangeSink

	// Devices are tracked as Unknown when the monitor starts.
	Devices []DeviceBinding

	Logger Logger
}

// DeviceBinding names a monitored device and the topic it reports on.
type DeviceBinding struct {
	DeviceID string
	Topic    string
}

// Monitor drives a Tracker on a ticker and persists its records.
type Monitor struct {
	tracker  *Tracker
	interval time.Duration
	store    Store
	sink     ChangeSink
	devices  []DeviceBinding
	logger   Logger

	listener ListenerID

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a Monitor for tracker.
//
// Parameters:
//   - tracker: The state machine to drive
//   - cfg: Interval is required; Store, Sink and Logger are optional
//
// Returns:
//   - *Monitor: Ready to start (call Start to begin checking)
//   - error: ErrInvalidConfig if the interval is not positive
func NewMonitor(tracker *Tracker, cfg MonitorConfig) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: check_interval must be positive", ErrInvalidConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Monitor{
		tracker:  tracker,
		interval: cfg.Interval,
		store:    cfg.Store,
		sink:     cfg.Sink,
		devices:  cfg.Devices,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start restores persisted records as Unknown, tracks the configured
// devices and begins periodic checks. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.initialise(ctx); err != nil {
		return err
	}
	m.listener = m.tracker.AddListener(m.handleChange)

	m.wg.Add(1)
	go m.checkLoop(ctx)
	return nil
}

// Stop ends periodic checks and persists a final snapshot.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.tracker.RemoveListener(m.listener)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.persist(ctx); err != nil {
			m.logger.Warn("final liveness snapshot failed", "error", err)
		}
	})
}

// CheckNow runs one check at now and persists the result.
func (m *Monitor) CheckNow(ctx context.Context, now time.Time) []Change {
	changes := m.tracker.Check(now)
	if err := m.persist(ctx); err != nil {
		m.logger.Error("persisting liveness records failed", "error", err)
	}
	m.logger.Debug("liveness check complete",
		"devices", len(m.tracker.List()),
		"changes", len(changes),
	)
	return changes
}

// initialise mirrors a monitoring restart: every known device starts Unknown.
func (m *Monitor) initialise(ctx context.Context) error {
	if m.store != nil {
		records, err := m.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("loading liveness records: %w", err)
		}
		for _, rec := range records {
			m.tracker.Seed(rec)
		}
	}

	var errs []error
	for _, d := range m.devices {
		if err := m.tracker.Track(d.DeviceID, d.Topic); err != nil {
			errs = append(errs, fmt.Errorf("tracking %q: %w", d.DeviceID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if err := m.persist(ctx); err != nil {
		return err
	}
	m.logger.Info("device monitoring initialised", "devices", len(m.tracker.List()))
	return nil
}

func (m *Monitor) checkLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case now := <-ticker.C:
			m.CheckNow(ctx, now)
		}
	}
}

func (m *Monitor) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, m.tracker.List())
}

func (m *Monitor) handleChange(ch Change) {
	switch ch.To {
	case StatusOffline:
		m.logger.Warn("device marked offline",
			"device_id", ch.DeviceID,
			"from", ch.From,
			"consecutive_failures", ch.Record.ConsecutiveFailures,
		)
	default:
		m.logger.Info("device status changed",
			"device_id", ch.DeviceID,
			"from", ch.From,
			"to", ch.To,
		)
	}
	if m.sink != nil {
		m.sink.WriteLivenessChange(ch.DeviceID, string(ch.To), ch.Record.ConsecutiveFailures, ch.At)
	}
}
