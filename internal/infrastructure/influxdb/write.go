package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementLiveness = "device_liveness"
	MeasurementReading  = "device_readings"
)

// WriteLivenessChange records a device status transition.
//
// Each point carries the new status as a tag and an "online" field (1/0)
// so dashboards can graph availability. The write is non-blocking.
//
// Parameters:
//   - deviceID: Device whose status changed
//   - status: New status ("Online", "Offline", "Unknown")
//   - failures: Consecutive missed checks at the time of the change
//   - at: When the change happened; zero means now
func (c *Client) WriteLivenessChange(deviceID, status string, failures int, at time.Time) {
	online := 0
	if status == "Online" {
		online = 1
	}
	c.write(MeasurementLiveness,
		map[string]string{"device_id": deviceID, "status": status},
		map[string]any{"online": online, "consecutive_failures": failures},
		at,
	)
}

// WriteReading records the numeric fields of one device message.
//
// The topic is kept as a tag so readings from several sensors on one device
// stay separable. Empty field sets are dropped.
func (c *Client) WriteReading(deviceID, topic string, fields map[string]float64, at time.Time) {
	if len(fields) == 0 {
		return
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	c.write(MeasurementReading,
		map[string]string{"device_id": deviceID, "topic": topic},
		values,
		at,
	)
}

// write queues one point, adding the site tag. Writes after Close are dropped.
func (c *Client) write(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	if c.site != "" {
		tags["site"] = c.site
	}
	if at.IsZero() {
		at = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
