// Package serialdev implements the MQTT orchestrator for serial devices.
//
// The bridge owns a registry of reconnecting sessions (internal/session),
// one per device identifier, and translates between MQTT and the devices:
//
//	┌──────────────┐   MQTT   ┌──────────────┐   sessions   ┌──────────────┐
//	│   clients    │◄────────►│    Bridge    │◄────────────►│ serial ports │
//	└──────────────┘          └──────────────┘              └──────────────┘
//
// # Commands
//
//   - {ns}/refresh_comports: publish the port inventory and every status
//   - {ns}/{device}/connect: open a session from a JSON parameter object
//   - {ns}/{device}/send: write the raw payload to the device
//   - {ns}/{device}/close: close the session
//
// # Events
//
//   - {ns}/comports: retained port inventory
//   - {ns}/{device}/status: retained effective parameters, or {} when the
//     device has no live connection
//   - {ns}/{device}/received: raw bytes read from the device
//   - {ns}/bridge/health: retained periodic health report
//
// Connect requests use the enumeration names of the classic serial API:
//
//	{"baudrate": 9600, "bytesize": "EIGHTBITS", "parity": "PARITY_NONE",
//	 "stopbits": "STOPBITS_ONE", "xonxoff": false, "rtscts": false, "dsrdtr": false}
//
// # Lifecycle
//
// A session is registered before it starts and removes itself when it
// closes, whether through a close command, Stop, or a fatal error such as
// a device that was never present. Losing the connection does not remove
// a session; it keeps reconnecting and publishes {} as its status until
// the device returns.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Commands for
// different devices may be handled concurrently; a slow write to one
// device does not hold up commands for another.
package serialdev
