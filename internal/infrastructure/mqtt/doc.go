// Package mqtt provides the broker transport for Containment Core.
//
// This package manages:
//   - Broker endpoints (address, credentials, session tuning)
//   - A paho.mqtt.golang backed Transport with ordered message delivery
//   - Topic builders for sensor, access-control and core topics
//   - Topic filter validation and wildcard matching
//
// # Architecture
//
// A Transport is one broker session and nothing more. It does not
// reconnect and it does not remember subscriptions. Reconnection,
// subscription sharing and command correlation live in the telemetry
// package, which drives any Transport through a Dialer:
//
//	telemetry.Connection → mqtt.Transport → broker ← devices
//
// # Security Considerations
//
//   - TLS (ssl://) is enabled per endpoint with a TLS 1.2 minimum
//   - Credentials are sent only when a username is set
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	ep := mqtt.EndpointFromConfig(cfg.MQTT)
//	t := mqtt.NewPahoTransport(ep, mqtt.Events{
//	    OnMessage: func(topic string, payload []byte) {
//	        log.Printf("Received: %s = %s", topic, payload)
//	    },
//	})
//	if err := t.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Disconnect()
//	_ = t.Subscribe(mqtt.Topics{}.AllSensors())
package mqtt
