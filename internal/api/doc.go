// Package api implements the read-only HTTP status API and WebSocket event
// stream of the serial device daemon.
//
// This package provides:
//   - REST endpoints for bridge health, port listings, live sessions and the
//     session event history
//   - A WebSocket hub that relays everything the bridge publishes on MQTT
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support
//
// # Endpoints
//
//	GET /api/v1/health              bridge health record
//	GET /api/v1/ports               port listing keyed by port name
//	GET /api/v1/sessions            every registered session
//	GET /api/v1/sessions/{id}       one session; id is path-escaped
//	GET /api/v1/events              session history (device, type, since, limit, offset)
//	GET /api/v1/ws                  WebSocket event stream
//
// # Event Stream
//
// Clients subscribe to channels by sending
//
//	{"type": "subscribe", "payload": {"channels": ["device.status"]}}
//
// Channels are device.status, device.received, comports and bridge.health.
// Events are fed from the bridge's own MQTT publications, so the stream
// shows exactly what MQTT consumers see.
//
// # Commands
//
// The API never changes device state. Connect, send and close stay on MQTT.
//
// # Graceful Degradation
//
// The server operates without MQTT (no event stream) and without the
// history database (/events answers 503).
package api
