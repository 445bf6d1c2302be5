package serialdev

import (
	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
)

// deviceHandler is the per-session protocol handler. It is built for one
// device identifier and holds the session it serves, so every callback
// knows exactly which registry entry it belongs to.
type deviceHandler struct {
	bridge   *Bridge
	deviceID string
	session  *session.Session
}

var (
	_ session.Handler            = (*deviceHandler)(nil)
	_ session.ConnectionObserver = (*deviceHandler)(nil)
	_ session.CloseObserver      = (*deviceHandler)(nil)
)

func newDeviceHandler(b *Bridge, deviceID string) *deviceHandler {
	return &deviceHandler{bridge: b, deviceID: deviceID}
}

// DataReceived republishes a chunk read from the device.
func (h *deviceHandler) DataReceived(data []byte) {
	b := h.bridge
	b.publish(b.topics.DeviceReceived(h.deviceID), data, false)
	if b.telemetry != nil {
		b.telemetry.WriteSerialTraffic(h.deviceID, influxdb.DirectionRx, len(data))
	}
}

// ConnectionMade publishes the new transport's settings. It runs before the
// session marks itself connected, so a reconnect is counted here.
func (h *deviceHandler) ConnectionMade(t *serialport.Transport) {
	status := t.Status()
	h.bridge.publishStatusRecord(h.deviceID, &status)

	reconnects := 0
	if h.session != nil && h.session.EverConnected().IsSet() {
		reconnects = h.session.Reconnects() + 1
	}
	h.bridge.recordEvent(history.Event{
		DeviceID:   h.deviceID,
		Type:       history.EventConnected,
		Status:     &status,
		Reconnects: reconnects,
	})
}

// ConnectionLost publishes an empty status. The session stays registered
// and keeps reconnecting.
func (h *deviceHandler) ConnectionLost(err error) {
	b := h.bridge
	if err != nil {
		b.logWarn("serial connection lost", "device", h.deviceID, "error", err)
	}
	b.publishStatusRecord(h.deviceID, nil)

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	reconnects := 0
	if h.session != nil {
		reconnects = h.session.Reconnects()
	}
	b.recordEvent(history.Event{
		DeviceID:   h.deviceID,
		Type:       history.EventDisconnected,
		Detail:     detail,
		Reconnects: reconnects,
	})
}

// SessionClosed removes the session from the registry and publishes an
// empty status.
func (h *deviceHandler) SessionClosed(err error) {
	b := h.bridge
	reconnects := 0
	if h.session != nil {
		reconnects = h.session.Reconnects()
	}

	if err != nil {
		b.logError("serial session failed", "device", h.deviceID, "error", err)
		b.recordEvent(history.Event{
			DeviceID:   h.deviceID,
			Type:       history.EventError,
			Detail:     err.Error(),
			Reconnects: reconnects,
		})
	}
	b.recordEvent(history.Event{
		DeviceID:   h.deviceID,
		Type:       history.EventClosed,
		Reconnects: reconnects,
	})

	// A newer session for the same device publishes its own status.
	if h.session == nil || b.registry.Remove(h.deviceID, h.session) {
		b.publishStatusRecord(h.deviceID, nil)
	}
	b.logInfo("serial session closed", "device", h.deviceID)
}
