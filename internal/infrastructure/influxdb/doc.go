// Package influxdb provides InfluxDB connectivity for Containment Core.
//
// It wraps the official influxdb-client-go v2 library for the two kinds of
// time-series data the service produces:
//   - device liveness transitions (measurement "device_liveness")
//   - numeric fields of ingested device messages ("device_readings")
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteLivenessChange("7", "Offline", 3, time.Now())
//
// Points are tagged with device_id, plus site when a site id is given.
// Writes are batched by batch_size and flush_interval; failed batches reach
// the SetOnError callback wrapped in ErrWriteFailed.
package influxdb
