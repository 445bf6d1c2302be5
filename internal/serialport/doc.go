// Package serialport is the byte-stream layer underneath device sessions.
//
// It wraps go.bug.st/serial with three pieces:
//
//   - Params: an immutable snapshot of baud rate, framing and flow-control
//     settings, parsed from the enumeration names clients send
//     ("EIGHTBITS", "PARITY_NONE", "STOPBITS_ONE", ...).
//   - Transport: one open port plus a reader goroutine that delivers
//     ConnectionMade, DataReceived and ConnectionLost callbacks to a Protocol.
//   - Discovery: port enumeration with USB descriptors, VID/PID filtering and
//     an optional trial open to tell which ports can be opened right now.
//
// # Status Records
//
// Status uses the common serial settings vocabulary: parity
// "N"/"E"/"O"/"M"/"S", stop bits 1/1.5/2, timeout in seconds or null.
//
// # Thread Safety
//
// Transport and Discovery are safe for concurrent use. Protocol callbacks
// for one Transport are invoked sequentially from its reader goroutine.
package serialport
