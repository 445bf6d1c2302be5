package serialdev

import "errors"

// Domain errors for the serial device bridge.
var (
	// ErrInvalidConnectParameters is returned when a connect request names
	// an unknown or unsupported setting, or omits the baud rate. No session
	// is created and nothing is published.
	ErrInvalidConnectParameters = errors.New("serialdev: invalid connect parameters")

	// ErrCommandRouting is returned for a topic or payload the bridge cannot
	// route to a command.
	ErrCommandRouting = errors.New("serialdev: command routing failed")

	// ErrDeviceNotConnected is returned by send for a device with no session.
	ErrDeviceNotConnected = errors.New("serialdev: device not connected")

	// ErrBridgeStopped is returned for commands received after Stop.
	ErrBridgeStopped = errors.New("serialdev: bridge stopped")
)

// Lifecycle errors.
var (
	// ErrInvalidOptions is returned by New when a required collaborator is missing.
	ErrInvalidOptions = errors.New("serialdev: invalid options")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("serialdev: bridge already started")
)
