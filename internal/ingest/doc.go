// Package ingest forwards numeric device readings to time-series storage.
//
// It sits beside the telemetry core rather than inside it: the Ingester
// observes the multiplexer's inbound messages, maps each topic to a device,
// extracts numeric JSON fields and hands them to a Sink (InfluxDB in
// production).
package ingest
