package mqtt

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// DefaultNamespace is the first topic level when none is configured.
const DefaultNamespace = "serial_device"

// Device command names, the last level of an inbound device topic.
const (
	CommandConnect = "connect"
	CommandClose   = "close"
	CommandSend    = "send"
)

// Topics provides builders for the serial device topic tree.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{Namespace: "serial_device"}
//	topics.DeviceStatus("COM9")
//	// Returns: "serial_device/COM9/status"
//
// Device identifiers occupy exactly one topic level, so a path such as
// "/dev/ttyUSB0" is published as "serial_device/%2Fdev%2FttyUSB0/status".
type Topics struct {
	Namespace string
}

func (t Topics) ns() string {
	if t.Namespace == "" {
		return DefaultNamespace
	}
	return t.Namespace
}

// Owns reports whether topic, or a subscription filter, lies inside the
// namespace.
func (t Topics) Owns(topic string) bool {
	return strings.HasPrefix(topic, t.ns()+"/")
}

// Check validates a topic for publishing or, with filter set, for
// subscribing. Wildcards are accepted only in filters, only as a whole
// level, and "#" only as the last level.
func (t Topics) Check(topic string, filter bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !t.Owns(topic) {
		return fmt.Errorf("%w: %q is not under %s/", ErrForeignTopic, topic, t.ns())
	}

	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch {
		case level == "+" || level == "#":
			if !filter {
				return fmt.Errorf("%w: wildcard in %q", ErrInvalidTopic, topic)
			}
			if level == "#" && i != len(levels)-1 {
				return fmt.Errorf("%w: # must be the last level of %q", ErrInvalidTopic, topic)
			}
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard inside level %q", ErrInvalidTopic, level)
		}
	}
	return nil
}

// =============================================================================
// Inbound
// =============================================================================

// RefreshComports returns the topic that requests a port listing.
//
// Example: serial_device/refresh_comports
func (t Topics) RefreshComports() string {
	return t.ns() + "/refresh_comports"
}

// DeviceCommand returns the topic for a command to one device.
//
// Example: serial_device/COM9/connect
func (t Topics) DeviceCommand(deviceID, command string) string {
	return fmt.Sprintf("%s/%s/%s", t.ns(), EncodeDeviceID(deviceID), command)
}

// =============================================================================
// Outbound
// =============================================================================

// Comports returns the retained port listing topic.
//
// Example: serial_device/comports
func (t Topics) Comports() string {
	return t.ns() + "/comports"
}

// DeviceStatus returns the retained status topic for a device.
//
// Example: serial_device/COM9/status
func (t Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", t.ns(), EncodeDeviceID(deviceID))
}

// DeviceReceived returns the topic carrying bytes read from a device.
//
// Example: serial_device/COM9/received
func (t Topics) DeviceReceived(deviceID string) string {
	return fmt.Sprintf("%s/%s/received", t.ns(), EncodeDeviceID(deviceID))
}

// BridgeHealth returns the retained bridge health topic.
//
// Example: serial_device/bridge/health
func (t Topics) BridgeHealth() string {
	return t.ns() + "/bridge/health"
}

// BridgeStatus returns the online/offline topic, also used for the LWT.
//
// Example: serial_device/bridge/status
func (t Topics) BridgeStatus() string {
	return t.ns() + "/bridge/status"
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// CommandSubscriptions returns the patterns the bridge subscribes to:
// one per device command plus the refresh topic. Outbound topics are not
// matched, so the bridge never receives its own publications.
func (t Topics) CommandSubscriptions() []string {
	return []string{
		t.RefreshComports(),
		fmt.Sprintf("%s/+/%s", t.ns(), CommandConnect),
		fmt.Sprintf("%s/+/%s", t.ns(), CommandClose),
		fmt.Sprintf("%s/+/%s", t.ns(), CommandSend),
	}
}

// Device event names, the last level of an outbound device topic.
const (
	EventStatus   = "status"
	EventReceived = "received"
)

// EventSubscriptions returns the patterns that match everything the bridge
// publishes: device status and received data, the port listing and the
// bridge's own health. Used by observers such as the HTTP event stream.
func (t Topics) EventSubscriptions() []string {
	return []string{
		t.Comports(),
		t.BridgeHealth(),
		fmt.Sprintf("%s/+/%s", t.ns(), EventStatus),
		fmt.Sprintf("%s/+/%s", t.ns(), EventReceived),
	}
}

// ParseEventTopic splits an outbound device topic into its decoded device
// identifier and event name. The bridge status topic is not a device topic
// and yields ok == false.
func (t Topics) ParseEventTopic(topic string) (deviceID, event string, ok bool) {
	if topic == t.BridgeStatus() {
		return "", "", false
	}
	return t.parseDeviceTopic(topic, EventStatus, EventReceived)
}

// ParseCommandTopic splits an inbound device topic into its decoded device
// identifier and command. ok is false for any topic that is not
// "{ns}/{device}/{connect|close|send}".
func (t Topics) ParseCommandTopic(topic string) (deviceID, command string, ok bool) {
	return t.parseDeviceTopic(topic, CommandConnect, CommandClose, CommandSend)
}

func (t Topics) parseDeviceTopic(topic string, names ...string) (deviceID, name string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.ns()+"/")
	if !found {
		return "", "", false
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}

	if !slices.Contains(names, parts[1]) {
		return "", "", false
	}

	id, err := DecodeDeviceID(parts[0])
	if err != nil || id == "" {
		return "", "", false
	}
	return id, parts[1], true
}

// EncodeDeviceID makes a device identifier safe for a single topic level.
func EncodeDeviceID(deviceID string) string {
	enc := url.PathEscape(deviceID)
	enc = strings.ReplaceAll(enc, "/", "%2F")
	enc = strings.ReplaceAll(enc, "+", "%2B")
	enc = strings.ReplaceAll(enc, "#", "%23")
	return enc
}

// DecodeDeviceID reverses EncodeDeviceID.
func DecodeDeviceID(level string) (string, error) {
	id, err := url.PathUnescape(level)
	if err != nil {
		return "", fmt.Errorf("%w: device id %q: %w", ErrInvalidTopic, level, err)
	}
	return id, nil
}
