package serialport

import (
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Port is an open byte stream. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a named port with the given parameters.
type Opener interface {
	Open(name string, params Params) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(name string, params Params) (Port, error)

// Open calls f(name, params).
func (f OpenerFunc) Open(name string, params Params) (Port, error) {
	return f(name, params)
}

// SystemOpener opens operating system serial devices.
var SystemOpener Opener = OpenerFunc(openSystemPort)

func openSystemPort(name string, params Params) (Port, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	port, err := serial.Open(name, params.Mode())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}

	if params.ReadTimeout > 0 {
		if err := port.SetReadTimeout(params.ReadTimeout); err != nil {
			port.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("%w: %s: setting read timeout: %w", ErrOpenFailed, name, err)
		}
	}

	return port, nil
}

// IsPortBusy reports whether err says the port exists but another process holds it.
func IsPortBusy(err error) bool {
	code, ok := portErrorCode(err)
	return ok && code == serial.PortBusy
}

// IsPortMissing reports whether err says the named port does not exist.
func IsPortMissing(err error) bool {
	code, ok := portErrorCode(err)
	return ok && code == serial.PortNotFound
}

// portErrorCode extracts the driver error code. The driver returns both
// pointer and value forms depending on platform.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}
