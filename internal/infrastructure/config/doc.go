// Package config handles loading and validating Containment Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Broker and InfluxDB credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret has no default and must be supplied
//
// Liveness thresholds (stale_after, failure_threshold, check_interval) are
// deployment decisions. Defaults exist so a bare file loads, but sites are
// expected to set them explicitly.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
