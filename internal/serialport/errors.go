package serialport

import "errors"

// Domain errors for the serialport package.
var (
	// ErrInvalidParams is returned when a parameter name or value is not recognised.
	ErrInvalidParams = errors.New("serialport: invalid parameters")

	// ErrUnsupportedParams is returned when a recognised value is not
	// available on the current platform.
	ErrUnsupportedParams = errors.New("serialport: parameters not supported on this platform")

	// ErrOpenFailed is returned when the operating system refuses to open a port.
	ErrOpenFailed = errors.New("serialport: open failed")

	// ErrPortClosed is returned when writing to a transport that is not open.
	ErrPortClosed = errors.New("serialport: port closed")

	// ErrEnumerationFailed is returned when the port list cannot be read.
	ErrEnumerationFailed = errors.New("serialport: enumerating ports failed")

	// ErrNoMatchingPort is returned by FindPort when no port passes the test.
	ErrNoMatchingPort = errors.New("serialport: no port passed the connection test")
)
