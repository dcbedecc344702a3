// Package telemetry turns a lossy broker session into a reliable,
// reconnecting, multi-consumer channel with awaitable commands.
//
// This package manages:
//   - Connection: one broker session with shared connect attempts,
//     automatic reconnection, periodic state reconciliation and listeners
//   - Multiplexer: one network subscription per topic shared by many handlers,
//     restored after every reconnect
//   - Correlator: command/response round trips over publish/subscribe
//   - Registry: at most one Connection per device
//
// # Architecture
//
//	Registry ─┬─ Session{Connection, Multiplexer, Correlator} → mqtt.Transport
//	          └─ ...
//
// Subscriptions are restored before a reconnected Connection announces
// itself, so a listener that reacts to "connected" never races a missing
// subscription.
//
// # Usage
//
//	conn := telemetry.NewConnection(ep, mqtt.PahoDialer, telemetry.ConnectionOptions{})
//	mux := telemetry.NewMultiplexer(conn)
//	corr := telemetry.NewCorrelator(mux, telemetry.CommandTargetStrategy{}, telemetry.CorrelatorOptions{})
//
//	_, err := mux.Subscribe(ctx, "Containment/Sensor/Temperature_1",
//	    func(topic string, payload []byte) error {
//	        log.Printf("%s: %s", topic, payload)
//	        return nil
//	    })
//
//	resp, err := corr.Call(ctx, telemetry.Request{
//	    CommandTopic:  "accessControl/device/command",
//	    ResponseTopic: "accessControl/device/response",
//	    Command: telemetry.Command{
//	        Command: "testConnection",
//	        Data:    map[string]any{"device_id": "7"},
//	    },
//	    Timeout: 2 * time.Second,
//	})
package telemetry
