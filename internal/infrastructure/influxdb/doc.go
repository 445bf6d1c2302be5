// Package influxdb provides InfluxDB connectivity for serial traffic telemetry.
//
// It wraps the official influxdb-client-go v2 library. Serial traffic is
// summed in memory per device and direction and written once per flush
// interval; lifecycle and health points are written as they occur.
//
// # Measurements
//
//   - serial_traffic: bytes and chunks per flush interval, tagged
//     device_id and direction (rx|tx)
//   - serial_session: lifecycle edges, tagged device_id and event
//   - serial_bridge: open and connected session counts
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteSerialTraffic("COM9", influxdb.DirectionRx, len(data))
//	client.WriteSessionEvent("COM9", "connected", 0)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered to the
// callback registered with SetOnError. Connection and health check errors
// are returned directly.
package influxdb
