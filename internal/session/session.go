package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-serial/internal/condition"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

// Default timings.
const (
	DefaultPollInterval        = 2 * time.Second
	DefaultFirstConnectTimeout = 10 * time.Second
)

// State is the position of a session in its reconnect loop.
type State int

// Session states.
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Discoverer answers whether a device can be connected to.
// *serialport.Discovery satisfies it.
type Discoverer interface {
	Present(name string) (bool, error)
	Available(name string) bool
}

// Logger defines the logging interface for sessions.
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

// Options configures a Session.
type Options struct {
	// DeviceID is the port name, e.g. "COM9" or "/dev/ttyUSB0". Required.
	DeviceID string

	// Params is copied at construction and never changes.
	Params serialport.Params

	// Handler receives data and, optionally, lifecycle events.
	Handler Handler

	// Opener opens the port. Defaults to serialport.SystemOpener.
	Opener serialport.Opener

	// Discovery decides when the device is ready. Required.
	Discovery Discoverer

	// PollInterval is the wait between checks while the device is absent.
	PollInterval time.Duration

	// FirstConnectTimeout bounds the wait for the first connection and the
	// default wait of writes issued before it.
	FirstConnectTimeout time.Duration

	Logger Logger
}

// Session is the reconnecting connection to one device.
type Session struct {
	deviceID            string
	params              serialport.Params
	handler             Handler
	opener              serialport.Opener
	discovery           Discoverer
	pollInterval        time.Duration
	firstConnectTimeout time.Duration
	logger              Logger

	connected      *condition.Flag
	disconnected   *condition.Flag
	closeRequested *condition.Flag
	closed         *condition.Flag
	failed         *condition.Flag
	everConnected  *condition.Flag

	mu        sync.RWMutex
	state     State
	started   bool
	transport *serialport.Transport
	lastErr   error
	reconnect int
}

// New creates a session. Call Start (or Connect) to begin connecting.
func New(opts Options) (*Session, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", serialport.ErrInvalidParams)
	}
	if opts.Discovery == nil {
		return nil, fmt.Errorf("%w: discovery is required", serialport.ErrInvalidParams)
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if opts.Opener == nil {
		opts.Opener = serialport.SystemOpener
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FirstConnectTimeout <= 0 {
		opts.FirstConnectTimeout = DefaultFirstConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Handler == nil {
		opts.Handler = HandlerFunc(func([]byte) {})
	}

	return &Session{
		deviceID:            opts.DeviceID,
		params:              opts.Params,
		handler:             opts.Handler,
		opener:              opts.Opener,
		discovery:           opts.Discovery,
		pollInterval:        opts.PollInterval,
		firstConnectTimeout: opts.FirstConnectTimeout,
		logger:              opts.Logger,
		connected:           condition.NewFlag(),
		disconnected:        condition.NewFlag(),
		closeRequested:      condition.NewFlag(),
		closed:              condition.NewFlag(),
		failed:              condition.NewFlag(),
		everConnected:       condition.NewFlag(),
	}, nil
}

// DeviceID returns the device identifier.
func (s *Session) DeviceID() string { return s.deviceID }

// Params returns the connection parameters.
func (s *Session) Params() serialport.Params { return s.params }

// Connected is set while a transport is up.
func (s *Session) Connected() condition.Signal { return s.connected }

// Disconnected is set after a transport went down and before the next one comes up.
func (s *Session) Disconnected() condition.Signal { return s.disconnected }

// Closed is set once the reconnect loop has exited and the transport is released.
func (s *Session) Closed() condition.Signal { return s.closed }

// Failed is set when an error has been recorded; see Err.
func (s *Session) Failed() condition.Signal { return s.failed }

// EverConnected is set after the first successful connection.
func (s *Session) EverConnected() condition.Signal { return s.everConnected }

// State returns the current loop state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the most recently recorded error.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Reconnects returns how many times the session has reconnected after a loss.
func (s *Session) Reconnects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnect
}

// Status returns the live transport's settings, or nil when no transport is open.
func (s *Session) Status() *serialport.Status {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	if t == nil || !t.IsOpen() {
		return nil
	}
	st := t.Status()
	return &st
}

// Stats returns the live transport's counters. ok is false when no
// transport is open.
func (s *Session) Stats() (stats serialport.Stats, ok bool) {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	if t == nil {
		return serialport.Stats{}, false
	}
	return t.Stats(), true
}

// Start launches the reconnect loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.closeRequested.IsSet() {
		return ErrClosed
	}
	s.started = true

	go s.run()
	return nil
}

// Connect starts the session and waits until it is connected or closed.
// It returns the session error if the session closed first, or ctx.Err()
// if ctx ends first.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	ready := condition.Or(s.connected, s.closed)
	defer ready.Detach()

	if !ready.WaitContext(ctx) {
		return ctx.Err()
	}
	if s.closed.IsSet() {
		if err := s.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	return nil
}

// Close requests the session to stop. It does not wait; use Closed or
// Shutdown to observe completion.
func (s *Session) Close() {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()

	s.closeRequested.Set()

	if !started {
		s.finish(nil)
	}
}

// Shutdown requests close and waits until the session is closed or ctx ends.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Close()
	if !s.closed.WaitContext(ctx) {
		return ctx.Err()
	}
	return nil
}

// Write sends data once connected. Before the first connection the wait is
// bounded by FirstConnectTimeout; afterwards it is unbounded.
func (s *Session) Write(data []byte) error {
	timeout := condition.NoTimeout
	if !s.everConnected.IsSet() {
		timeout = s.firstConnectTimeout
	}
	return s.WriteTimeout(data, timeout)
}

// WriteTimeout sends data once connected, waiting at most timeout.
// Zero does not wait: it writes only if the session is connected now.
// condition.NoTimeout waits indefinitely.
func (s *Session) WriteTimeout(data []byte, timeout time.Duration) error {
	ctx := context.Background()
	if timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.WriteContext(ctx, data)
}

// WriteContext sends data once connected, waiting until ctx ends.
// A write in progress is not interrupted.
func (s *Session) WriteContext(ctx context.Context, data []byte) error {
	ready := condition.Or(s.connected, s.closed)
	ok := ready.WaitContext(ctx)
	ready.Detach()

	if s.closed.IsSet() {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.deviceID)
	}

	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.deviceID)
	}

	if err := t.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// ============================================================================
// Reconnect loop
// ============================================================================

func (s *Session) run() {
	present, err := s.discovery.Present(s.deviceID)
	if err != nil || !present {
		fatal := fmt.Errorf("%w: %s", ErrDeviceNotFound, s.deviceID)
		if err != nil {
			fatal = fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, s.deviceID, err)
		}
		s.recordError(fatal)
		s.logger.Error("device not found", "device", s.deviceID, "error", fatal)
		s.finish(fatal)
		return
	}

	for {
		if !s.waitForDevice() {
			break
		}

		s.setState(StateConnecting)
		t, proto, err := s.open()
		if err != nil {
			s.recordError(err)
			s.logger.Debug("open failed, retrying", "device", s.deviceID, "error", err)
			if s.closeRequested.Wait(s.pollInterval) {
				break
			}
			continue
		}

		if !s.serve(t, proto) {
			break
		}
	}

	s.finish(nil)
}

// waitForDevice polls discovery until the device is present and can be
// opened. It returns false when close is requested.
func (s *Session) waitForDevice() bool {
	for {
		if s.closeRequested.IsSet() {
			return false
		}
		if s.deviceReady() {
			return true
		}
		if s.closeRequested.Wait(s.pollInterval) {
			return false
		}
	}
}

func (s *Session) deviceReady() bool {
	present, err := s.discovery.Present(s.deviceID)
	if err != nil || !present {
		return false
	}
	return s.discovery.Available(s.deviceID)
}

func (s *Session) open() (*serialport.Transport, *connectionProtocol, error) {
	port, err := s.opener.Open(s.deviceID, s.params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrTransportOpen, s.deviceID, err)
	}

	proto := newConnectionProtocol(s.deviceID, s.handler, s.logger)
	t := serialport.NewTransport(s.deviceID, s.params, port, proto)
	t.SetLogger(s.logger)

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	t.Start()
	return t, proto, nil
}

// serve drives one transport from open to loss. It returns false when the
// session should stop.
func (s *Session) serve(t *serialport.Transport, proto *connectionProtocol) bool {
	timeout := condition.NoTimeout
	if !s.everConnected.IsSet() {
		timeout = s.firstConnectTimeout
	}

	up := condition.Or(proto.connected, s.closeRequested)
	ok := up.Wait(timeout)
	up.Detach()

	if s.closeRequested.IsSet() {
		s.release(t)
		return false
	}
	if !ok {
		err := fmt.Errorf("%w: %s after %s", ErrConnectTimeout, s.deviceID, timeout)
		s.recordError(err)
		s.logger.Warn("connection did not come up", "device", s.deviceID, "timeout", timeout)
		s.release(t)
		return true
	}

	s.markConnected()

	down := condition.Or(proto.disconnected, s.closeRequested)
	down.Wait(condition.NoTimeout)
	down.Detach()

	if s.closeRequested.IsSet() {
		s.release(t)
		return false
	}

	s.markDisconnected(proto.lastError())
	s.release(t)
	return true
}

func (s *Session) markConnected() {
	s.mu.Lock()
	reconnect := s.everConnected.IsSet()
	if reconnect {
		s.reconnect++
	}
	s.state = StateConnected
	s.lastErr = nil
	s.mu.Unlock()

	s.failed.Clear()
	s.disconnected.Clear()
	s.everConnected.Set()
	s.connected.Set()

	s.logger.Info("serial device connected", "device", s.deviceID, "reconnect", reconnect)
}

func (s *Session) markDisconnected(cause error) {
	s.connected.Clear()
	s.disconnected.Set()
	s.setState(StateDisconnected)

	s.logger.Info("serial device disconnected", "device", s.deviceID, "cause", cause)
}

// release closes a transport and waits for its reader to finish.
func (s *Session) release(t *serialport.Transport) {
	t.Close() //nolint:errcheck // teardown
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	s.mu.Unlock()
}

func (s *Session) finish(fatal error) {
	if s.connected.IsSet() {
		s.connected.Clear()
		s.disconnected.Set()
	}
	s.setState(StateClosed)
	s.closed.Set()

	s.logger.Debug("session closed", "device", s.deviceID)

	if obs, ok := s.handler.(CloseObserver); ok {
		obs.SessionClosed(fatal)
	}
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.failed.Set()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	if prev != st {
		s.logger.Debug("session state", "device", s.deviceID, "from", prev.String(), "to", st.String())
	}
}
