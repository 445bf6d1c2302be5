package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// readBufferSize is the maximum chunk delivered per DataReceived call.
const readBufferSize = 4096

// Protocol receives the lifecycle callbacks of a Transport.
//
// All three methods are called from the transport's reader goroutine and
// never concurrently with each other. ConnectionLost is called exactly once
// per started transport, with nil when the close was requested locally.
type Protocol interface {
	ConnectionMade(t *Transport)
	DataReceived(data []byte)
	ConnectionLost(err error)
}

// Logger is the logging interface used by Transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats holds transport byte counters.
type Stats struct {
	BytesRx  uint64
	BytesTx  uint64
	OpenedAt time.Time
}

// Transport owns one open port and its reader goroutine.
type Transport struct {
	name     string
	params   Params
	port     Port
	protocol Protocol
	logger   Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	open    bool
	closing bool
	started bool

	done          chan struct{}
	closeOnce     sync.Once
	portCloseOnce sync.Once

	bytesRx  atomic.Uint64
	bytesTx  atomic.Uint64
	openedAt time.Time
}

// NewTransport wraps an already opened port. Call Start to begin reading.
func NewTransport(name string, params Params, port Port, protocol Protocol) *Transport {
	return &Transport{
		name:     name,
		params:   params,
		port:     port,
		protocol: protocol,
		logger:   noopLogger{},
		open:     true,
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
}

// SetLogger sets the logger for transport diagnostics.
func (t *Transport) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// Start launches the reader goroutine. ConnectionMade is invoked from it
// before the first read. Calling Start more than once has no effect.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started || !t.open {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.readLoop()
}

// Name returns the port name.
func (t *Transport) Name() string { return t.name }

// Params returns the parameters the port was opened with.
func (t *Transport) Params() Params { return t.params }

// Status returns the status record for this transport.
func (t *Transport) Status() Status { return t.params.Status(t.name) }

// Stats returns the byte counters.
func (t *Transport) Stats() Stats {
	return Stats{
		BytesRx:  t.bytesRx.Load(),
		BytesTx:  t.bytesTx.Load(),
		OpenedAt: t.openedAt,
	}
}

// IsOpen reports whether the transport accepts writes.
func (t *Transport) IsOpen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.open
}

// Done is closed once the reader goroutine has exited and ConnectionLost
// has returned.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Write sends all of data. Concurrent writers are serialised.
func (t *Transport) Write(data []byte) error {
	if !t.IsOpen() {
		return fmt.Errorf("%w: %s", ErrPortClosed, t.name)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for len(data) > 0 {
		n, err := t.port.Write(data)
		t.bytesTx.Add(uint64(n)) //nolint:gosec // n is never negative
		if err != nil {
			return fmt.Errorf("writing %s: %w", t.name, err)
		}
		if n == 0 {
			return fmt.Errorf("writing %s: %w", t.name, errShortWrite)
		}
		data = data[n:]
	}
	return nil
}

var errShortWrite = errors.New("short write")

// Close closes the port and waits for the reader goroutine to finish.
// If the transport was started, ConnectionLost(nil) will have been
// delivered by the time Close returns, unless the connection had already
// been lost. Close must not be called from a Protocol callback; use
// CloseAsync there.
func (t *Transport) Close() error {
	err := t.CloseAsync()
	<-t.done
	return err
}

// CloseAsync requests the close without waiting for the reader goroutine.
func (t *Transport) CloseAsync() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		t.open = false
		started := t.started
		t.mu.Unlock()

		err = t.closePort()

		if !started {
			close(t.done)
		}
	})
	return err
}

func (t *Transport) closePort() error {
	var err error
	t.portCloseOnce.Do(func() {
		err = t.port.Close()
	})
	return err
}

func (t *Transport) isClosing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closing
}

func (t *Transport) log() Logger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.logger
}

// readLoop delivers data until the port fails or is closed.
func (t *Transport) readLoop() {
	defer close(t.done)

	lostErr := t.safeCall("connection made", func() { t.protocol.ConnectionMade(t) })
	if lostErr == nil {
		lostErr = t.readUntilClosed()
	}

	t.mu.Lock()
	t.open = false
	closing := t.closing
	t.mu.Unlock()
	t.closePort() //nolint:errcheck // port may already be gone

	if closing {
		lostErr = nil
	} else {
		t.log().Warn("serial connection lost", "port", t.name, "error", lostErr)
	}

	t.safeCall("connection lost", func() { t.protocol.ConnectionLost(lostErr) })
}

func (t *Transport) readUntilClosed() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.bytesRx.Add(uint64(n)) //nolint:gosec // n is never negative
			data := make([]byte, n)
			copy(data, buf[:n])
			if cbErr := t.safeCall("data received", func() { t.protocol.DataReceived(data) }); cbErr != nil {
				return cbErr
			}
		}
		if t.isClosing() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", t.name, err)
		}
	}
}

// safeCall runs a protocol callback, converting a panic into an error.
func (t *Transport) safeCall(what string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s callback panic: %v", what, r)
			t.log().Error("protocol callback panic", "port", t.name, "callback", what, "panic", r)
		}
	}()
	fn()
	return nil
}
