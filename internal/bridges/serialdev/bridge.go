package serialdev

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
)

// recordTimeout bounds a single history write from a session callback.
const recordTimeout = 2 * time.Second

// MQTTClient is the broker surface the bridge needs. *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	SubscribeAll(filters []string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnect(callback func())
}

// Discovery enumerates ports and tells sessions when a device is ready.
// *serialport.Discovery satisfies it.
type Discovery interface {
	session.Discoverer
	Comports(opts serialport.ListOptions) ([]serialport.PortInfo, error)
}

// Recorder stores session lifecycle events. *history.SQLiteRepository satisfies it.
type Recorder interface {
	Record(ctx context.Context, event *history.Event) error
}

// Telemetry receives traffic and lifecycle points. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteSerialTraffic(deviceID string, direction influxdb.Direction, bytes int)
	WriteSessionEvent(deviceID, event string, reconnects int)
	WriteBridgeHealth(openDevices, connectedDevices int)
}

// Logger defines the logging interface for the bridge.
// Compatible with *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Bridge.
type Options struct {
	// MQTT carries commands and events. Required.
	MQTT MQTTClient

	// Discovery lists ports and gates reconnects. Required.
	Discovery Discovery

	// Opener opens ports for new sessions. Defaults to serialport.SystemOpener.
	Opener serialport.Opener

	// Topics names the topic tree.
	Topics mqtt.Topics

	// QoS is used for every publication and subscription.
	QoS byte

	// Session timings; zero uses the session defaults.
	PollInterval        time.Duration
	FirstConnectTimeout time.Duration

	// SendTimeout bounds the wait for a connection before a send is
	// dropped. Zero uses the session's own write timeout rules.
	SendTimeout time.Duration

	// HealthInterval is the health report period. Default 30s.
	HealthInterval time.Duration

	// Comports controls the published port listing.
	Comports serialport.ListOptions

	Version string

	// History records session events. Optional.
	History Recorder

	// Telemetry records traffic and session events. Optional.
	Telemetry Telemetry

	Logger Logger
}

// Bridge is the MQTT orchestrator for serial devices.
type Bridge struct {
	mqtt      MQTTClient
	discovery Discovery
	opener    serialport.Opener
	topics    mqtt.Topics
	qos       byte

	pollInterval        time.Duration
	firstConnectTimeout time.Duration
	sendTimeout         time.Duration
	listOptions         serialport.ListOptions

	history   Recorder
	telemetry Telemetry

	registry *Registry
	health   *HealthReporter

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  atomic.Bool
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a bridge. Call Start to subscribe and begin reporting.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: mqtt client is required", ErrInvalidOptions)
	}
	if opts.Discovery == nil {
		return nil, fmt.Errorf("%w: discovery is required", ErrInvalidOptions)
	}
	if opts.Opener == nil {
		opts.Opener = serialport.SystemOpener
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidOptions, opts.QoS)
	}

	b := &Bridge{
		mqtt:                opts.MQTT,
		discovery:           opts.Discovery,
		opener:              opts.Opener,
		topics:              opts.Topics,
		qos:                 opts.QoS,
		pollInterval:        opts.PollInterval,
		firstConnectTimeout: opts.FirstConnectTimeout,
		sendTimeout:         opts.SendTimeout,
		listOptions:         opts.Comports,
		history:             opts.History,
		telemetry:           opts.Telemetry,
		registry:            NewRegistry(),
		logger:              opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Topic:     opts.Topics.BridgeHealth(),
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Devices:   b.registry,
		Telemetry: opts.Telemetry,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

// Start subscribes to the command topics, publishes the port listing and
// begins health reporting. The bridge runs until Stop is called or ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	if err := b.health.PublishStarting(); err != nil {
		b.logWarn("failed to publish starting status", "error", err)
	}

	if err := b.mqtt.SubscribeAll(b.topics.CommandSubscriptions(), b.qos, b.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to commands: %w", err)
	}

	// The MQTT client restores subscriptions itself; the retained listing
	// and statuses are republished here.
	b.mqtt.SetOnConnect(func() {
		b.logInfo("MQTT reconnected, refreshing comports")
		if err := b.Refresh(); err != nil {
			b.logWarn("refresh after reconnect failed", "error", err)
		}
	})

	if err := b.Refresh(); err != nil {
		b.logWarn("initial comport refresh failed", "error", err)
	}

	b.health.Start(b.ctx)
	b.logInfo("serial device bridge started", "comports_topic", b.topics.Comports())
	return nil
}

// Stop closes every session and waits for them to release their ports,
// or until ctx ends. Commands received afterwards are rejected.
func (b *Bridge) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		b.mu.Lock()
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		b.health.Stop()

		var g errgroup.Group
		for id, s := range b.registry.Snapshot() {
			g.Go(func() error {
				if err := s.Shutdown(ctx); err != nil {
					return fmt.Errorf("closing %s: %w", id, err)
				}
				return nil
			})
		}
		err = g.Wait()

		b.logInfo("serial device bridge stopped")
	})
	return err
}

// =============================================================================
// Commands
// =============================================================================

// HandleMessage routes one inbound MQTT message. It is the handler for
// every command subscription.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	if b.stopped.Load() {
		return fmt.Errorf("%w: %s", ErrBridgeStopped, topic)
	}

	if topic == b.topics.RefreshComports() {
		return b.Refresh()
	}

	deviceID, command, ok := b.topics.ParseCommandTopic(topic)
	if !ok {
		return fmt.Errorf("%w: unrecognised topic %q", ErrCommandRouting, topic)
	}

	b.logDebug("serial command", "device", deviceID, "command", command)

	switch command {
	case mqtt.CommandConnect:
		return b.Connect(deviceID, payload)
	case mqtt.CommandSend:
		return b.Send(deviceID, payload)
	case mqtt.CommandClose:
		b.Close(deviceID)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", ErrCommandRouting, command)
	}
}

// Refresh publishes the retained port listing, then the status of every
// listed port and every registered device.
func (b *Bridge) Refresh() error {
	ports, err := b.discovery.Comports(b.listOptions)
	if err != nil {
		return fmt.Errorf("listing comports: %w", err)
	}

	listing := make(map[string]serialport.PortInfo, len(ports))
	ids := make([]string, 0, len(ports))
	for _, p := range ports {
		listing[p.Name] = p
		ids = append(ids, p.Name)
	}

	payload, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("encoding comports: %w", err)
	}
	b.publish(b.topics.Comports(), payload, true)

	for _, id := range b.registry.IDs() {
		if _, listed := listing[id]; !listed {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		b.publishStatus(id)
	}
	return nil
}

// Connect opens a session for deviceID from a JSON connect request. A
// device that already has a session only gets its status republished.
// Invalid parameters create nothing and publish nothing.
func (b *Bridge) Connect(deviceID string, payload []byte) error {
	if _, ok := b.registry.Get(deviceID); ok {
		b.publishStatus(deviceID)
		return nil
	}

	params, err := parseConnectRequest(payload)
	if err != nil {
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	s, loaded, err := b.registry.LoadOrCreate(deviceID, func() (*session.Session, error) {
		if b.stopped.Load() {
			return nil, ErrBridgeStopped
		}
		return b.newSession(deviceID, params)
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}
	if loaded {
		b.publishStatus(deviceID)
		return nil
	}

	if err := s.Start(); err != nil {
		b.registry.Remove(deviceID, s)
		return fmt.Errorf("starting session %s: %w", deviceID, err)
	}

	b.logInfo("serial session created",
		"device", deviceID,
		"baudrate", params.BaudRate,
		"bytesize", int(params.ByteSize),
		"parity", string(params.Parity),
	)
	return nil
}

func (b *Bridge) newSession(deviceID string, params serialport.Params) (*session.Session, error) {
	h := newDeviceHandler(b, deviceID)

	var logger session.Logger
	if l := b.getLogger(); l != nil {
		logger = l
	}

	s, err := session.New(session.Options{
		DeviceID:            deviceID,
		Params:              params,
		Handler:             h,
		Opener:              b.opener,
		Discovery:           b.discovery,
		PollInterval:        b.pollInterval,
		FirstConnectTimeout: b.firstConnectTimeout,
		Logger:              logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConnectParameters, err)
	}
	h.session = s
	return s, nil
}

// Send writes payload to deviceID. A device without a session gets an
// empty status and ErrDeviceNotConnected. Write failures are logged, not
// returned.
func (b *Bridge) Send(deviceID string, payload []byte) error {
	s, ok := b.registry.Get(deviceID)
	if !ok {
		b.publishStatusRecord(deviceID, nil)
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	var err error
	if b.sendTimeout > 0 {
		err = s.WriteTimeout(payload, b.sendTimeout)
	} else {
		err = s.Write(payload)
	}
	if err != nil {
		b.logWarn("serial write failed", "device", deviceID, "bytes", len(payload), "error", err)
		return nil
	}

	if b.telemetry != nil {
		b.telemetry.WriteSerialTraffic(deviceID, influxdb.DirectionTx, len(payload))
	}
	return nil
}

// Close requests the session for deviceID to close. The session removes
// itself from the registry once it has stopped. A device without a
// session only gets its status republished.
func (b *Bridge) Close(deviceID string) {
	s, ok := b.registry.Get(deviceID)
	if !ok {
		b.publishStatus(deviceID)
		return
	}
	s.Close()
}

// =============================================================================
// Queries
// =============================================================================

// Status returns the live settings of deviceID, or nil when it has no
// connected session.
func (b *Bridge) Status(deviceID string) *serialport.Status {
	s, ok := b.registry.Get(deviceID)
	if !ok {
		return nil
	}
	return s.Status()
}

// Sessions returns the registered device identifiers, sorted.
func (b *Bridge) Sessions() []string {
	return b.registry.IDs()
}

// Health returns the bridge health as it would be published now.
func (b *Bridge) Health() HealthMessage {
	return b.health.Snapshot()
}

// Session returns the registered session for deviceID.
func (b *Bridge) Session(deviceID string) (*session.Session, bool) {
	return b.registry.Get(deviceID)
}

// =============================================================================
// Publishing
// =============================================================================

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		b.logWarn("MQTT publish failed", "topic", topic, "error", err)
	}
}

// publishStatus publishes the current status of deviceID.
func (b *Bridge) publishStatus(deviceID string) {
	b.publishStatusRecord(deviceID, b.Status(deviceID))
}

func (b *Bridge) publishStatusRecord(deviceID string, status *serialport.Status) {
	payload, err := serialport.MarshalStatus(status)
	if err != nil {
		b.logError("encoding status failed", "device", deviceID, "error", err)
		return
	}
	b.publish(b.topics.DeviceStatus(deviceID), payload, true)
}

// recordEvent stores a lifecycle event in history and telemetry.
func (b *Bridge) recordEvent(e history.Event) {
	if b.telemetry != nil {
		b.telemetry.WriteSessionEvent(e.DeviceID, string(e.Type), e.Reconnects)
	}
	if b.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := b.history.Record(ctx, &e); err != nil {
		b.logWarn("recording session event failed", "device", e.DeviceID, "event", string(e.Type), "error", err)
	}
}

// =============================================================================
// Logging
// =============================================================================

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
