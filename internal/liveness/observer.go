package liveness

import (
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/containment-core/internal/infrastructure/mqtt"
)

// TopicObserver feeds message arrivals to a Tracker, mapping topics to
// device ids. It satisfies telemetry.Observer.
//
// An observer only knows topics, not brokers. Attach one observer per
// multiplexer so equal topic names on different brokers stay apart.
type TopicObserver struct {
	tracker *Tracker

	mu       sync.RWMutex
	bindings map[string]map[string]struct{} // topic filter -> device ids
}

// NewTopicObserver creates an observer with no bindings.
func NewTopicObserver(tracker *Tracker) *TopicObserver {
	return &TopicObserver{
		tracker:  tracker,
		bindings: make(map[string]map[string]struct{}),
	}
}

// Bind routes messages on filter to deviceID and starts tracking the device.
// Several devices may share a filter; each is credited for every match.
func (o *TopicObserver) Bind(deviceID, filter string) error {
	if err := mqtt.ValidateFilter(filter); err != nil {
		return err
	}
	if err := o.tracker.Track(deviceID, filter); err != nil {
		return err
	}
	o.mu.Lock()
	devices, ok := o.bindings[filter]
	if !ok {
		devices = make(map[string]struct{})
		o.bindings[filter] = devices
	}
	devices[deviceID] = struct{}{}
	o.mu.Unlock()
	return nil
}

// Unbind removes deviceID from filter, or every device on filter when
// deviceID is empty. Device records are kept.
func (o *TopicObserver) Unbind(filter, deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if deviceID == "" {
		delete(o.bindings, filter)
		return
	}
	devices := o.bindings[filter]
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(o.bindings, filter)
	}
}

// Filters returns the bound filters, sorted.
func (o *TopicObserver) Filters() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.bindings))
	for f := range o.bindings {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Observe records an arrival for every device whose filter matches topic.
func (o *TopicObserver) Observe(topic string, payload []byte, at time.Time) {
	o.mu.RLock()
	seen := make(map[string]struct{})
	var devices []string
	for filter, ids := range o.bindings {
		if !mqtt.TopicMatches(filter, topic) {
			continue
		}
		for id := range ids {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				devices = append(devices, id)
			}
		}
	}
	o.mu.RUnlock()

	if len(devices) == 0 {
		return
	}
	summary := truncate(string(payload), MaxMessageSummary)
	for _, id := range devices {
		o.tracker.Observe(id, at, summary)
	}
}
