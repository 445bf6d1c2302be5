package session

import "errors"

// Domain errors for the session package.
var (
	// ErrDeviceNotFound is fatal: the device was not enumerated when the session started.
	ErrDeviceNotFound = errors.New("session: device not found")

	// ErrTransportOpen is recorded when opening the port fails. The loop retries.
	ErrTransportOpen = errors.New("session: transport open failed")

	// ErrConnectTimeout is recorded when the first connection does not come up in time.
	ErrConnectTimeout = errors.New("session: first connection timed out")

	// ErrNotConnected is returned by writes when no connection exists at timeout expiry.
	ErrNotConnected = errors.New("session: not connected")

	// ErrResponseTimeout is returned by Request when no response arrives in time.
	ErrResponseTimeout = errors.New("session: response timeout")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session: already started")
)
