package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementSerialTraffic = "serial_traffic"
	MeasurementSessionEvent  = "serial_session"
	MeasurementBridgeHealth  = "serial_bridge"
)

// Direction tags a traffic sample as read from or written to a port.
type Direction string

const (
	DirectionRx Direction = "rx"
	DirectionTx Direction = "tx"
)

// WriteSerialTraffic adds one chunk to the device's running total. Totals
// reach InfluxDB on the next flush.
//
//	client.WriteSerialTraffic("COM9", influxdb.DirectionRx, len(data))
func (c *Client) WriteSerialTraffic(deviceID string, direction Direction, bytes int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}

	key := trafficKey{deviceID: deviceID, direction: direction}
	total := c.traffic[key]
	total.bytes += int64(bytes)
	total.chunks++
	c.traffic[key] = total
}

// WriteSessionEvent records a session lifecycle edge (connected,
// disconnected, closed, error) together with the session's reconnect count.
func (c *Client) WriteSessionEvent(deviceID, event string, reconnects int) {
	c.writeNow(sessionEventPoint(deviceID, event, reconnects, time.Now()))
}

// WriteBridgeHealth records the number of open and connected sessions.
func (c *Client) WriteBridgeHealth(openDevices, connectedDevices int) {
	c.writeNow(bridgeHealthPoint(openDevices, connectedDevices, time.Now()))
}

func (c *Client) writeNow(p *write.Point) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		c.points.WritePoint(p)
	}
}

func trafficPoint(deviceID string, direction Direction, total trafficTotal, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSerialTraffic,
		map[string]string{
			"device_id": deviceID,
			"direction": string(direction),
		},
		map[string]any{
			"bytes":  total.bytes,
			"chunks": total.chunks,
		},
		ts,
	)
}

func sessionEventPoint(deviceID, event string, reconnects int, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSessionEvent,
		map[string]string{
			"device_id": deviceID,
			"event":     event,
		},
		map[string]any{
			"count":      int64(1),
			"reconnects": int64(reconnects),
		},
		ts,
	)
}

func bridgeHealthPoint(openDevices, connectedDevices int, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBridgeHealth,
		map[string]string{},
		map[string]any{
			"open_devices":      int64(openDevices),
			"connected_devices": int64(connectedDevices),
		},
		ts,
	)
}
