// Package mqtt provides MQTT client connectivity for the Smarther bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge uses MQTT as the local pub/sub surface: device state is
// published on retained state topics, and commands arrive on set topics.
//
//	Home automation clients ↔ MQTT Broker ↔ smarther-mqtt-bridge ↔ Cloud API
//
// # Security Considerations
//
//   - TLS is recommended for non-local brokers (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Base: cfg.MQTT.BaseTopic}
//
//	// Subscribe to all device commands
//	err = client.Subscribe(topics.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish retained state
//	client.PublishRetained(topics.DeviceState("module-1", "mode"), []byte(`"manual"`))
package mqtt
