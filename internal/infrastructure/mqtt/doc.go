// Package mqtt provides MQTT client connectivity for the serial device bridge.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Namespace checks: every published topic and subscription filter
//     must lie under {namespace}/
//   - Last Will and Testament (LWT) for offline detection
//   - The {namespace}/... topic tree used by the bridge
//
// # Architecture
//
// MQTT is the only control surface of the bridge. Clients publish connect,
// send and close commands per device; the bridge publishes the port
// inventory, per-device status and received data.
//
//	MQTT clients ↔ MQTT Broker ↔ serialdeviced ↔ serial ports
//
// Device identifiers occupy exactly one topic level. Identifiers containing
// "/", "+" or "#" are escaped with EncodeDeviceID so that, for example,
// "/dev/ttyUSB0" maps to "serial_device/%2Fdev%2FttyUSB0/status".
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Send payloads are forwarded verbatim to the serial port
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Serial.Namespace)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.SubscribeAll(client.Topics().CommandSubscriptions(), 1,
//	    bridge.HandleMessage)
//
//	client.Publish(client.Topics().DeviceReceived("COM9"), data, 1, false)
package mqtt
