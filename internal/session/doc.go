// Package session keeps a serial device connected across unplug and replug.
//
// A Session owns one device identifier and runs a reconnect loop in its own
// goroutine:
//
//	Idle -> Connecting -> Connected -> Disconnected -> Connecting ...
//
// with Close reachable from every state. While the device is absent (or
// held by another process) the loop polls discovery every PollInterval. When
// the device can be opened, a fresh transport is started and the loop waits
// for either the connection or a close request, then for either the
// disconnection or a close request.
//
// The first wait for a connection is bounded by FirstConnectTimeout. Once a
// session has connected at least once, later reconnect waits are unbounded,
// so short dropouts are retried indefinitely while a device that never comes
// up is reported promptly.
//
// # Conditions
//
// Session state is exposed as condition.Signal values: Connected,
// Disconnected, Closed, Failed and EverConnected. Connected and
// Disconnected are never set at the same time and alternate strictly.
// Errors raised inside the loop are recorded on Failed together with Err;
// they are never returned across goroutines. Only ErrDeviceNotFound ends a
// session on its own.
//
// # Exchanges
//
// Request writes a payload and waits for exactly one response on a channel
// fed by the caller's Handler. Two retrieval disciplines are available,
// PollBlocking and PollBusy; both fail with ErrResponseTimeout.
//
// # Thread Safety
//
// All Session methods are safe for concurrent use. Handler callbacks are
// invoked from the transport reader goroutine.
package session
