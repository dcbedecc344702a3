package liveness

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxMessageSummary caps the stored last-message summary, in bytes.
const MaxMessageSummary = 500

// Status is the derived liveness of a device.
type Status string

// Liveness states.
const (
	StatusUnknown Status = "Unknown"
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
)

// Record is the liveness state of one device.
type Record struct {
	DeviceID string `json:"device_id"`
	Topic    string `json:"topic,omitempty"`
	Status   Status `json:"status"`

	// LastSeen is the newest message timestamp; zero until the first message.
	LastSeen time.Time `json:"last_seen"`

	// LastStatusChange moves only when Status flips.
	LastStatusChange time.Time `json:"last_status_change"`

	// ConsecutiveFailures counts stale checks since the last message.
	ConsecutiveFailures int `json:"consecutive_failures"`

	LastMessage string    `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Change describes one status flip.
type Change struct {
	DeviceID string    `json:"device_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	At       time.Time `json:"at"`
	Record   Record    `json:"record"`
}

// Config holds the tracker thresholds. There are no built-in defaults.
type Config struct {
	// StaleAfter is how long a device may stay silent before a check counts
	// as a failure.
	StaleAfter time.Duration

	// FailureThreshold is the number of consecutive failed checks that marks
	// a device Offline.
	FailureThreshold int

	// CheckInterval is the cadence a Monitor runs Check at. The Tracker
	// itself does not use it.
	CheckInterval time.Duration
}

// Validate checks the tracker thresholds.
func (c Config) Validate() error {
	if c.StaleAfter <= 0 {
		return fmt.Errorf("%w: stale_after must be positive", ErrInvalidConfig)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be at least 1", ErrInvalidConfig)
	}
	if c.CheckInterval < 0 {
		return fmt.Errorf("%w: check_interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ListenerID identifies a registered change listener.
type ListenerID uint64

type changeListener struct {
	id ListenerID
	fn func(Change)
}

// Tracker holds one Record per device.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Listeners run synchronously after the tracker lock is released.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*Record

	listenerMu   sync.RWMutex
	listeners    []changeListener
	nextListener ListenerID

	logger   Logger
	loggerMu sync.RWMutex
}

// NewTracker creates a Tracker with validated thresholds.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*Record),
		logger:  noopLogger{},
	}, nil
}

// SetLogger sets the logger used to report listener panics.
func (t *Tracker) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Tracker) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// Config returns the tracker thresholds.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Track creates an Unknown record for deviceID if none exists. A non-empty
// topic replaces the stored one.
func (t *Tracker) Track(deviceID, topic string) error {
	if deviceID == "" {
		return ErrDeviceIDRequired
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[deviceID]; ok {
		if topic != "" {
			rec.Topic = topic
		}
		return nil
	}
	t.records[deviceID] = &Record{
		DeviceID:         deviceID,
		Topic:            topic,
		Status:           StatusUnknown,
		LastStatusChange: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return nil
}

// Untrack forgets deviceID.
func (t *Tracker) Untrack(deviceID string) {
	t.mu.Lock()
	delete(t.records, deviceID)
	t.mu.Unlock()
}

// Seed installs a previously persisted record as Unknown, keeping its
// LastSeen and message history. Existing records are left alone.
func (t *Tracker) Seed(rec Record) {
	if rec.DeviceID == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[rec.DeviceID]; ok {
		return
	}
	if rec.Status != StatusUnknown {
		rec.Status = StatusUnknown
		rec.LastStatusChange = now
	}
	rec.ConsecutiveFailures = 0
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	t.records[rec.DeviceID] = &rec
}

// Observe records a message from deviceID received at at (zero means now).
// It creates the record on first sight, resets ConsecutiveFailures, and
// flips the device Online if it was not already.
//
// Returns:
//   - Change: the flip, valid only when the bool is true
//   - bool: true if the status changed
func (t *Tracker) Observe(deviceID string, at time.Time, summary string) (Change, bool) {
	if deviceID == "" {
		return Change{}, false
	}
	now := t.now()
	if at.IsZero() {
		at = now
	}

	t.mu.Lock()
	rec, ok := t.records[deviceID]
	if !ok {
		rec = &Record{
			DeviceID:  deviceID,
			Status:    StatusUnknown,
			CreatedAt: now,
		}
		t.records[deviceID] = rec
	}

	// Late deliveries never move LastSeen backwards.
	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
	rec.ConsecutiveFailures = 0
	rec.LastMessage = truncate(summary, MaxMessageSummary)
	rec.UpdatedAt = now

	var change Change
	changed := rec.Status != StatusOnline
	if changed {
		// A late delivery never stamps a flip before what is already known.
		stamp := rec.LastSeen
		if rec.LastStatusChange.After(stamp) {
			stamp = rec.LastStatusChange
		}
		change = Change{DeviceID: deviceID, From: rec.Status, To: StatusOnline, At: stamp}
		rec.Status = StatusOnline
		rec.LastStatusChange = stamp
		change.Record = *rec
	}
	t.mu.Unlock()

	if changed {
		t.notify([]Change{change})
	}
	return change, changed
}

// Check runs one liveness check at now. Every device silent for longer than
// StaleAfter gets one more consecutive failure; a device reaching
// FailureThreshold flips Offline once.
//
// Returns the flips, ordered by device id.
func (t *Tracker) Check(now time.Time) []Change {
	t.mu.Lock()
	var changes []Change
	for _, rec := range t.records {
		ref := rec.LastSeen
		if ref.IsZero() {
			ref = rec.CreatedAt
		}
		if now.Sub(ref) <= t.cfg.StaleAfter {
			continue
		}

		rec.ConsecutiveFailures++
		rec.UpdatedAt = now
		if rec.ConsecutiveFailures >= t.cfg.FailureThreshold && rec.Status != StatusOffline {
			change := Change{DeviceID: rec.DeviceID, From: rec.Status, To: StatusOffline, At: now}
			rec.Status = StatusOffline
			rec.LastStatusChange = now
			change.Record = *rec
			changes = append(changes, change)
		}
	}
	t.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].DeviceID < changes[j].DeviceID })
	t.notify(changes)
	return changes
}

// Reset returns the given devices to Unknown, as on a monitoring restart.
// Unknown ids are ignored.
func (t *Tracker) Reset(deviceIDs ...string) []Change {
	now := t.now()

	t.mu.Lock()
	var changes []Change
	for _, id := range deviceIDs {
		rec, ok := t.records[id]
		if !ok {
			continue
		}
		if ch, changed := resetLocked(rec, now); changed {
			changes = append(changes, ch)
		}
	}
	t.mu.Unlock()

	t.notify(changes)
	return changes
}

// ResetAll returns every device to Unknown.
func (t *Tracker) ResetAll() []Change {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return t.Reset(ids...)
}

func resetLocked(rec *Record, now time.Time) (Change, bool) {
	rec.ConsecutiveFailures = 0
	rec.UpdatedAt = now
	if rec.Status == StatusUnknown {
		return Change{}, false
	}
	change := Change{DeviceID: rec.DeviceID, From: rec.Status, To: StatusUnknown, At: now}
	rec.Status = StatusUnknown
	rec.LastStatusChange = now
	change.Record = *rec
	return change, true
}

// Get returns a copy of the record for deviceID.
func (t *Tracker) Get(deviceID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[deviceID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records, most recently seen first.
func (t *Tracker) List() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// IsOnline reports whether deviceID is currently Online.
func (t *Tracker) IsOnline(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[deviceID]
	return ok && rec.Status == StatusOnline
}

// OnlineMap reports IsOnline for each id. Untracked ids map to false.
func (t *Tracker) OnlineMap(deviceIDs []string) map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		rec, ok := t.records[id]
		out[id] = ok && rec.Status == StatusOnline
	}
	return out
}

// AddListener registers fn for every status flip.
func (t *Tracker) AddListener(fn func(Change)) ListenerID {
	if fn == nil {
		return 0
	}
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	t.nextListener++
	t.listeners = append(t.listeners, changeListener{id: t.nextListener, fn: fn})
	return t.nextListener
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (t *Tracker) RemoveListener(id ListenerID) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	for i, l := range t.listeners {
		if l.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	t.listenerMu.RLock()
	listeners := make([]changeListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.listenerMu.RUnlock()

	for _, ch := range changes {
		for _, l := range listeners {
			t.callListener(l.fn, ch)
		}
	}
}

func (t *Tracker) callListener(fn func(Change), ch Change) {
	defer func() {
		if r := recover(); r != nil {
			t.getLogger().Error("liveness listener panic recovered",
				"device_id", ch.DeviceID,
				"panic", r,
			)
		}
	}()
	fn(ch)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
