package session

import (
	"sync"

	"github.com/nerrad567/gray-logic-serial/internal/condition"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

// Handler receives the bytes read from a session's device.
type Handler interface {
	DataReceived(data []byte)
}

// ConnectionObserver is implemented by handlers that want transport
// lifecycle events. ConnectionMade runs before the session reports
// Connected; ConnectionLost runs once per transport with nil after a local
// close.
type ConnectionObserver interface {
	ConnectionMade(t *serialport.Transport)
	ConnectionLost(err error)
}

// CloseObserver is implemented by handlers that want to know when the
// session has stopped for good. err is the fatal error, or nil after Close.
type CloseObserver interface {
	SessionClosed(err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(data []byte)

// DataReceived calls f(data).
func (f HandlerFunc) DataReceived(data []byte) { f(data) }

// connectionProtocol is the per-transport serialport.Protocol. A new one is
// built for every open attempt so conditions from a dead transport can
// never leak into the next one.
type connectionProtocol struct {
	deviceID string
	handler  Handler
	logger   Logger

	connected    *condition.Flag
	disconnected *condition.Flag

	mu      sync.Mutex
	lostErr error
}

func newConnectionProtocol(deviceID string, handler Handler, logger Logger) *connectionProtocol {
	return &connectionProtocol{
		deviceID:     deviceID,
		handler:      handler,
		logger:       logger,
		connected:    condition.NewFlag(),
		disconnected: condition.NewFlag(),
	}
}

func (p *connectionProtocol) ConnectionMade(t *serialport.Transport) {
	p.logger.Debug("connection made", "device", p.deviceID)
	if obs, ok := p.handler.(ConnectionObserver); ok {
		obs.ConnectionMade(t)
	}
	p.disconnected.Clear()
	p.connected.Set()
}

func (p *connectionProtocol) DataReceived(data []byte) {
	if p.handler != nil {
		p.handler.DataReceived(data)
	}
}

func (p *connectionProtocol) ConnectionLost(err error) {
	if err != nil {
		p.logger.Debug("connection lost", "device", p.deviceID, "error", err)
	} else {
		p.logger.Debug("connection closed", "device", p.deviceID)
	}

	p.mu.Lock()
	p.lostErr = err
	p.mu.Unlock()

	p.connected.Clear()
	p.disconnected.Set()

	if obs, ok := p.handler.(ConnectionObserver); ok {
		obs.ConnectionLost(err)
	}
}

func (p *connectionProtocol) lastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lostErr
}
