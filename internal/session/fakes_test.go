package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-serial/internal/condition"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

var errFakeClosed = errors.New("fake port closed")

type fakePort struct {
	incoming chan []byte
	failures chan error
	closed   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.incoming:
		return copy(buf, data), nil
	case err := <-p.failures:
		return 0, err
	case <-p.closed:
		return 0, errFakeClosed
	}
}

func (p *fakePort) Write(data []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errFakeClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(data)
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// unplug simulates the device disappearing mid-read.
func (p *fakePort) unplug() { p.failures <- errors.New("device reports readiness to read but returned no data") }

// fakeOpener opens fakePorts. The first failFirst opens fail.
type fakeOpener struct {
	mu        sync.Mutex
	failFirst int
	attempts  int
	ports     []*fakePort
	opened    chan *fakePort
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakePort, 16)}
}

func (o *fakeOpener) Open(_ string, _ serialport.Params) (serialport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if o.attempts <= o.failFirst {
		return nil, serialport.ErrOpenFailed
	}
	p := newFakePort()
	o.ports = append(o.ports, p)
	o.opened <- p
	return p, nil
}

func (o *fakeOpener) next(t *testing.T) *fakePort {
	t.Helper()
	select {
	case p := <-o.opened:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for port open")
		return nil
	}
}

func (o *fakeOpener) openAttempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// fakeDiscovery reports a device present and available until told otherwise.
type fakeDiscovery struct {
	mu          sync.Mutex
	present     map[string]bool
	unavailable map[string]bool
}

func newFakeDiscovery(present ...string) *fakeDiscovery {
	d := &fakeDiscovery{present: make(map[string]bool), unavailable: make(map[string]bool)}
	for _, p := range present {
		d.present[p] = true
	}
	return d
}

func (d *fakeDiscovery) Present(name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[name], nil
}

func (d *fakeDiscovery) Available(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[name] && !d.unavailable[name]
}

func (d *fakeDiscovery) setPresent(name string, present bool) {
	d.mu.Lock()
	d.present[name] = present
	d.mu.Unlock()
}

func (d *fakeDiscovery) setAvailable(name string, available bool) {
	d.mu.Lock()
	d.unavailable[name] = !available
	d.mu.Unlock()
}

// recordingHandler collects received data and lifecycle callbacks.
type recordingHandler struct {
	mu     sync.Mutex
	data   bytes.Buffer
	made   int
	lost   int
	closed []error

	madeDelay time.Duration
	dataCh    chan []byte
}

func (h *recordingHandler) DataReceived(data []byte) {
	h.mu.Lock()
	h.data.Write(data)
	ch := h.dataCh
	h.mu.Unlock()
	if ch != nil {
		ch <- data
	}
}

func (h *recordingHandler) ConnectionMade(*serialport.Transport) {
	h.mu.Lock()
	h.made++
	delay := h.madeDelay
	h.madeDelay = 0
	h.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (h *recordingHandler) ConnectionLost(error) {
	h.mu.Lock()
	h.lost++
	h.mu.Unlock()
}

func (h *recordingHandler) SessionClosed(err error) {
	h.mu.Lock()
	h.closed = append(h.closed, err)
	h.mu.Unlock()
}

func (h *recordingHandler) counts() (made, lost, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.made, h.lost, len(h.closed)
}

func (h *recordingHandler) received() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.String()
}

func waitSignal(t *testing.T, sig condition.Signal, what string) {
	t.Helper()
	if !sig.Wait(2 * time.Second) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func newTestSession(t *testing.T, disc *fakeDiscovery, opener *fakeOpener, h Handler) *Session {
	t.Helper()
	s, err := New(Options{
		DeviceID:            "COM9",
		Params:              serialport.DefaultParams(9600),
		Handler:             h,
		Opener:              opener,
		Discovery:           disc,
		PollInterval:        10 * time.Millisecond,
		FirstConnectTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}
