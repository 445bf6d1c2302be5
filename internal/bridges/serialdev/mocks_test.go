package serialdev

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
)

const waitTimeout = 2 * time.Second

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []mockSubscription
	connected     bool
	handlers      map[string]mqtt.MessageHandler
	onConnect     func()
	publishErr    error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type mockSubscription struct {
	Topic string
	QoS   byte
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) SubscribeAll(filters []string, qos byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range filters {
		m.subscriptions = append(m.subscriptions, mockSubscription{Topic: topic, QoS: qos})
		m.handlers[topic] = handler
	}
	return nil
}

func (m *MockMQTTClient) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetOnConnect(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = callback
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SimulateReconnect invokes the on-connect callback as the client does
// after the broker connection comes back.
func (m *MockMQTTClient) SimulateReconnect() {
	m.mu.Lock()
	cb := m.onConnect
	m.connected = true
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) GetSubscriptions() []mockSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockSubscription(nil), m.subscriptions...)
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// PublishedTo returns the payloads published to topic, oldest first.
func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers a message to the handler whose subscription
// pattern matches topic. It returns the handler's error.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) error {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for pattern, h := range m.handlers {
		if topicMatches(pattern, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return errors.New("no subscription matches " + topic)
	}
	return handler(topic, payload)
}

// topicMatches supports the single-level wildcard only.
func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Serial fakes
// =============================================================================

var errFakeClosed = errors.New("fake port closed")

// fakePort blocks reads until data is injected, the port fails or it is closed.
type fakePort struct {
	incoming chan []byte
	failures chan error
	closed   chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	written []byte
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
	p.written = append(p.written, data...)
	return len(data), nil
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
	return string(p.written)
}

func (p *fakePort) unplug() { p.failures <- errors.New("device disconnected") }

// fakeOpener opens one fakePort per name at a time, like an exclusive
// serial driver. Probe opens that are closed straight away free the name.
type fakeOpener struct {
	mu      sync.Mutex
	ports   map[string]*fakePort
	refused map[string]bool
	params  map[string]serialport.Params
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		ports:   make(map[string]*fakePort),
		refused: make(map[string]bool),
		params:  make(map[string]serialport.Params),
	}
}

func (o *fakeOpener) Open(name string, params serialport.Params) (serialport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refused[name] {
		return nil, serialport.ErrOpenFailed
	}
	if cur, ok := o.ports[name]; ok && !cur.isClosed() {
		return nil, serialport.ErrOpenFailed
	}
	p := newFakePort()
	o.ports[name] = p
	o.params[name] = params
	return p, nil
}

// current returns the open port for name, or nil.
func (o *fakeOpener) current(name string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.ports[name]; ok && !p.isClosed() {
		return p
	}
	return nil
}

func (o *fakeOpener) refuse(name string, refused bool) {
	o.mu.Lock()
	o.refused[name] = refused
	o.mu.Unlock()
}

// fakeLister is the port enumeration seen by serialport.Discovery.
type fakeLister struct {
	mu    sync.Mutex
	ports map[string]*enumerator.PortDetails
}

func newFakeLister(names ...string) *fakeLister {
	l := &fakeLister{ports: make(map[string]*enumerator.PortDetails)}
	for _, n := range names {
		l.plug(n)
	}
	return l
}

func (l *fakeLister) plug(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports[name] = &enumerator.PortDetails{
		Name:         name,
		IsUSB:        true,
		VID:          "2341",
		PID:          "0043",
		SerialNumber: "A1B2",
		Product:      "Arduino Uno",
	}
}

func (l *fakeLister) remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ports, name)
}

func (l *fakeLister) list() ([]*enumerator.PortDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*enumerator.PortDetails, 0, len(l.ports))
	for _, p := range l.ports {
		out = append(out, p)
	}
	return out, nil
}

// =============================================================================
// History and telemetry fakes
// =============================================================================

type fakeRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *fakeRecorder) Record(_ context.Context, e *history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *fakeRecorder) types(deviceID string) []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		if e.DeviceID == deviceID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *fakeRecorder) last(deviceID string, t history.EventType) (history.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].DeviceID == deviceID && r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return history.Event{}, false
}

type fakeTelemetry struct {
	mu      sync.Mutex
	rx, tx  int
	events  []string
	healths int
}

func (f *fakeTelemetry) WriteSerialTraffic(_ string, direction influxdb.Direction, bytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if direction == influxdb.DirectionRx {
		f.rx += bytes
	} else {
		f.tx += bytes
	}
}

func (f *fakeTelemetry) WriteSessionEvent(_ string, event string, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeTelemetry) WriteBridgeHealth(int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healths++
}

func (f *fakeTelemetry) traffic() (rx, tx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rx, f.tx
}

// =============================================================================
// Helpers
// =============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	bridge    *Bridge
	mqtt      *MockMQTTClient
	opener    *fakeOpener
	lister    *fakeLister
	recorder  *fakeRecorder
	telemetry *fakeTelemetry
	topics    mqtt.Topics
}

func newTestEnv(t *testing.T, ports ...string) *testEnv {
	t.Helper()

	env := &testEnv{
		mqtt:      NewMockMQTTClient(),
		opener:    newFakeOpener(),
		lister:    newFakeLister(ports...),
		recorder:  &fakeRecorder{},
		telemetry: &fakeTelemetry{},
		topics:    mqtt.Topics{Namespace: "serial_device"},
	}

	b, err := New(Options{
		MQTT:                env.mqtt,
		Discovery:           serialport.NewDiscoveryWithLister(env.lister.list, env.opener),
		Opener:              env.opener,
		Topics:              env.topics,
		QoS:                 1,
		PollInterval:        10 * time.Millisecond,
		FirstConnectTimeout: 500 * time.Millisecond,
		SendTimeout:         500 * time.Millisecond,
		HealthInterval:      time.Hour,
		Version:             "test",
		History:             env.recorder,
		Telemetry:           env.telemetry,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.bridge = b

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		b.Stop(ctx) //nolint:errcheck // test cleanup
	})
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// connect issues a connect command and waits for the device's port to open.
func (e *testEnv) connect(t *testing.T, deviceID, body string) *fakePort {
	t.Helper()
	if err := e.mqtt.SimulateMessage(e.topics.DeviceCommand(deviceID, mqtt.CommandConnect), []byte(body)); err != nil {
		t.Fatalf("connect %s error = %v", deviceID, err)
	}
	waitFor(t, deviceID+" connected", func() bool {
		s, ok := e.bridge.Session(deviceID)
		return ok && s.Connected().IsSet()
	})
	return e.opener.current(deviceID)
}

func (e *testEnv) lastStatus(deviceID string) (string, bool) {
	pubs := e.mqtt.PublishedTo(e.topics.DeviceStatus(deviceID))
	if len(pubs) == 0 {
		return "", false
	}
	return string(pubs[len(pubs)-1].Payload), true
}
