package serialdev

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultHealthInterval is used when no interval is configured.
const DefaultHealthInterval = 30 * time.Second

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates every registered device is connected.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the broker or some devices are disconnected.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline is carried by the broker's last will.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained payload of {ns}/bridge/health.
type HealthMessage struct {
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version,omitempty"`
	OpenDevices      int          `json:"open_devices"`
	ConnectedDevices int          `json:"connected_devices"`
	Subscriptions    int          `json:"subscriptions"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	Timestamp        time.Time    `json:"timestamp"`
	Reason           string       `json:"reason,omitempty"`
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// subscriptionCounter is optionally implemented by a HealthPublisher that
// restores its subscriptions on reconnect. *mqtt.Client does.
type subscriptionCounter interface {
	SubscriptionCount() int
}

// DeviceCounter reports session counts. *Registry satisfies it.
type DeviceCounter interface {
	Counts() (open, connected int)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Topic is the retained health topic.
	Topic string

	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Devices   DeviceCounter

	// Telemetry receives a bridge health point with every report. Optional.
	Telemetry Telemetry
}

// HealthReporter manages periodic health status reporting.
type HealthReporter struct {
	topic     string
	version   string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	devices   DeviceCounter
	telemetry Telemetry

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	return &HealthReporter{
		topic:     cfg.Topic,
		version:   cfg.Version,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		devices:   cfg.Devices,
		telemetry: cfg.Telemetry,
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "bridge stopping")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// Snapshot returns the current health without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.buildMessage(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) counts() (open, connected int) {
	if h.devices == nil {
		return 0, 0
	}
	return h.devices.Counts()
}

// determineStatus evaluates the current bridge status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	open, connected := h.counts()
	if connected < open {
		return HealthDegraded, fmt.Sprintf("%d of %d devices disconnected", open-connected, open)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) buildMessage(status HealthStatus, reason string) HealthMessage {
	open, connected := h.counts()
	var subs int
	if sc, ok := h.publisher.(subscriptionCounter); ok {
		subs = sc.SubscriptionCount()
	}
	return HealthMessage{
		Status:           status,
		Version:          h.version,
		OpenDevices:      open,
		ConnectedDevices: connected,
		Subscriptions:    subs,
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		Timestamp:        time.Now().UTC(),
		Reason:           reason,
	}
}

// publishStatus publishes a health message (QoS 1, retained).
func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	msg := h.buildMessage(status, reason)

	if h.telemetry != nil {
		h.telemetry.WriteBridgeHealth(msg.OpenDevices, msg.ConnectedDevices)
	}

	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
