package serialport

import (
	"bytes"
	"errors"
	"sync"
)

var errFakeClosed = errors.New("fake port closed")

// fakePort is an in-memory Port. Data passed to inject is returned by Read;
// fail ends the next Read with the given error.
type fakePort struct {
	incoming chan []byte
	failures chan error
	closed   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	pending []byte
	written bytes.Buffer
	closes  int
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(buf, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case data := <-p.incoming:
		n := copy(buf, data)
		p.mu.Lock()
		p.pending = append(p.pending, data[n:]...)
		p.mu.Unlock()
		return n, nil
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
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) inject(data []byte) { p.incoming <- data }

func (p *fakePort) fail(err error) { p.failures <- err }

func (p *fakePort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// fakeOpener hands out fakePorts and refuses names listed in busy.
type fakeOpener struct {
	mu     sync.Mutex
	busy   map[string]bool
	opened map[string]*fakePort
}

func newFakeOpener(busy ...string) *fakeOpener {
	o := &fakeOpener{busy: make(map[string]bool), opened: make(map[string]*fakePort)}
	for _, b := range busy {
		o.busy[b] = true
	}
	return o
}

func (o *fakeOpener) Open(name string, _ Params) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[name] {
		return nil, ErrOpenFailed
	}
	p := newFakePort()
	o.opened[name] = p
	return p, nil
}
