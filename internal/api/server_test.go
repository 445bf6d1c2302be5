package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-serial/internal/bridges/serialdev"
	"github.com/nerrad567/gray-logic-serial/internal/history"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-serial/internal/serialport"
	"github.com/nerrad567/gray-logic-serial/internal/session"
	"github.com/nerrad567/gray-logic-serial/migrations"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeBridge struct {
	mu       sync.Mutex
	health   serialdev.HealthMessage
	sessions map[string]*session.Session
}

func (b *fakeBridge) Health() serialdev.HealthMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *fakeBridge) setHealth(h serialdev.HealthMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = h
}

func (b *fakeBridge) add(id string, s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = s
}

func (b *fakeBridge) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (b *fakeBridge) Session(id string) (*session.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	return s, ok
}

type fakePorts struct {
	mu    sync.Mutex
	ports []serialport.PortInfo
	err   error
	last  serialport.ListOptions
}

func (p *fakePorts) set(ports []serialport.PortInfo, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports, p.err = ports, err
}

func (p *fakePorts) lastOptions() serialport.ListOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakePorts) Comports(opts serialport.ListOptions) ([]serialport.PortInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = opts
	return p.ports, p.err
}

type fakeSubscriber struct {
	patterns []string
	err      error
}

func (s *fakeSubscriber) SubscribeAll(filters []string, _ byte, _ mqtt.MessageHandler) error {
	if s.err != nil {
		return s.err
	}
	s.patterns = append(s.patterns, filters...)
	return nil
}

// everywhere reports every device as present and openable.
type everywhere struct{}

func (everywhere) Present(string) (bool, error) { return true, nil }
func (everywhere) Available(string) bool        { return true }

// pipeOpener hands the session one end of an in-memory pipe.
type pipeOpener struct {
	mu    sync.Mutex
	peers []net.Conn
}

func (o *pipeOpener) Open(string, serialport.Params) (serialport.Port, error) {
	a, b := net.Pipe()
	o.mu.Lock()
	o.peers = append(o.peers, b)
	o.mu.Unlock()
	return a, nil
}

func (o *pipeOpener) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.peers {
		p.Close()
	}
}

// =============================================================================
// Helpers
// =============================================================================

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

type testEnv struct {
	srv    *Server
	bridge *fakeBridge
	ports  *fakePorts
	http   *httptest.Server
}

func newTestEnv(t *testing.T, repo history.Repository) *testEnv {
	t.Helper()

	bridge := &fakeBridge{sessions: map[string]*session.Session{}}
	ports := &fakePorts{}

	srv, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1"},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Bridge:  bridge,
		Ports:   ports,
		History: repo,
		Topics:  mqtt.Topics{Namespace: "serial_device"},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &testEnv{srv: srv, bridge: bridge, ports: ports, http: ts}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, body
}

func connectedSession(t *testing.T, deviceID string) *session.Session {
	t.Helper()

	opener := &pipeOpener{}
	s, err := session.New(session.Options{
		DeviceID:     deviceID,
		Params:       serialport.DefaultParams(115200),
		Opener:       opener,
		Discovery:    everywhere{},
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx) //nolint:errcheck // Test cleanup
		opener.close()
	})

	if !s.Connected().Wait(2 * time.Second) {
		t.Fatalf("%s did not connect", deviceID)
	}
	return s
}

func idleSession(t *testing.T, deviceID string) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		DeviceID:  deviceID,
		Params:    serialport.DefaultParams(9600),
		Opener:    &pipeOpener{},
		Discovery: everywhere{},
	})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	return s
}

func setupHistory(t *testing.T) *history.SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
		Migrations:  migrations.FS,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return history.NewSQLiteRepository(db.DB)
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	log := testLogger()
	bridge := &fakeBridge{}
	ports := &fakePorts{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Bridge: bridge, Ports: ports}},
		{"no bridge", Deps{Logger: log, Ports: ports}},
		{"no ports", Deps{Logger: log, Bridge: bridge}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bridge.setHealth(serialdev.HealthMessage{
		Status:           serialdev.HealthDegraded,
		Version:          "1.0.0",
		OpenDevices:      2,
		ConnectedDevices: 1,
		Reason:           "1 of 2 devices disconnected",
	})

	resp, body := env.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got serialdev.HealthMessage
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != serialdev.HealthDegraded || got.OpenDevices != 2 || got.ConnectedDevices != 1 {
		t.Errorf("health = %+v", got)
	}
}

func TestListPorts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ports.set([]serialport.PortInfo{
		{Name: "/dev/ttyACM0", Descriptor: "Arduino Uno", HardwareID: "USB VID:PID=2341:0043", VID: "2341", PID: "0043"},
		{Name: "/dev/ttyS0", Descriptor: "n/a", HardwareID: "n/a"},
	}, nil)

	resp, body := env.get(t, "/api/v1/ports?vid_pid=2341:0043,1a86:7523&include_all=true&check_available=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var listing map[string]serialport.PortInfo
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listing) != 2 || listing["/dev/ttyACM0"].VID != "2341" {
		t.Errorf("listing = %+v", listing)
	}

	opts := env.ports.lastOptions()
	if len(opts.VIDPID) != 2 || opts.VIDPID[1] != "1a86:7523" || !opts.IncludeAll || !opts.CheckAvailable || opts.OnlyAvailable {
		t.Errorf("options = %+v", opts)
	}
}

func TestListPorts_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
	}{
		{"bad bool", "?include_all=perhaps", nil, http.StatusBadRequest},
		{"bad vid pid", "?vid_pid=zz", serialport.ErrInvalidParams, http.StatusBadRequest},
		{"enumeration failure", "", serialport.ErrEnumerationFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.ports.set(nil, tt.err)

			resp, body := env.get(t, "/api/v1/ports"+tt.query)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			var apiErr Error
			if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Status != tt.wantStatus {
				t.Errorf("error body = %s", body)
			}
		})
	}
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bridge.add("/dev/ttyUSB0", connectedSession(t, "/dev/ttyUSB0"))
	env.bridge.add("COM3", idleSession(t, "COM3"))

	resp, body := env.get(t, "/api/v1/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var list struct {
		Sessions []SessionView `json:"sessions"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if list.Count != 2 || len(list.Sessions) != 2 {
		t.Fatalf("sessions = %+v", list)
	}

	resp, body = env.get(t, "/api/v1/sessions/"+url.PathEscape("/dev/ttyUSB0"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var view SessionView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.DeviceID != "/dev/ttyUSB0" || !view.Connected || view.State != "connected" {
		t.Errorf("view = %+v", view)
	}
	if view.Status == nil || view.Status.BaudRate != 115200 || view.Status.Port != "/dev/ttyUSB0" {
		t.Errorf("status = %+v", view.Status)
	}
	if view.Traffic == nil {
		t.Error("traffic missing for a connected session")
	}

	_, body = env.get(t, "/api/v1/sessions/COM3")
	view = SessionView{}
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Connected || view.State != "idle" || view.Status != nil {
		t.Errorf("idle view = %+v", view)
	}
	if !strings.Contains(string(body), `"status":null`) {
		t.Errorf("idle session body %s lacks null status", body)
	}

	resp, _ = env.get(t, "/api/v1/sessions/COM9")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	repo := setupHistory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()
	for i, et := range []history.EventType{history.EventConnected, history.EventDisconnected, history.EventConnected} {
		e := &history.Event{DeviceID: "COM9", Type: et, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	env := newTestEnv(t, repo)

	resp, body := env.get(t, "/api/v1/events?device=COM9&type=connected&limit=1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var res history.ListResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Total != 2 || len(res.Events) != 1 || res.Limit != 1 {
		t.Errorf("result = %+v", res)
	}

	resp, _ = env.get(t, "/api/v1/events?type=exploded")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", resp.StatusCode)
	}
}

func TestEvents_HistoryDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/api/v1/events")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), ErrCodeUnavailable) {
		t.Errorf("body = %s", body)
	}
}

func TestParseEventFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		query     string
		wantSince time.Time
		wantLimit int
		wantErr   bool
	}{
		{name: "empty", query: ""},
		{name: "duration", query: "since=15m", wantSince: now.Add(-15 * time.Minute)},
		{name: "instant", query: "since=2026-03-01T09:00:00Z", wantSince: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{name: "limit", query: "limit=20", wantLimit: 20},
		{name: "bad since", query: "since=yesterday", wantErr: true},
		{name: "negative duration", query: "since=-5m", wantErr: true},
		{name: "negative limit", query: "limit=-1", wantErr: true},
		{name: "bad offset", query: "offset=x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			f, err := parseEventFilter(q, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !f.Since.Equal(tt.wantSince) || f.Limit != tt.wantLimit {
				t.Errorf("filter = %+v", f)
			}
		})
	}
}

func TestRouter_ReadOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/api/v1/health", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}

	resp, _ = env.get(t, "/api/v1/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestMiddleware_RequestIDAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/v1/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("Origin", "http://bench.local")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://bench.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}

	resp, _ = env.get(t, "/api/v1/health")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("generated X-Request-ID missing")
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	s := &Server{cfg: config.APIConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"http://panel.local"}}}}
	if !s.isAllowedOrigin("http://panel.local") {
		t.Error("listed origin refused")
	}
	if s.isAllowedOrigin("http://evil.example") {
		t.Error("unlisted origin allowed")
	}
}

func TestStartClose(t *testing.T) {
	sub := &fakeSubscriber{}
	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:      testWSConfig(),
		Logger:  testLogger(),
		Bridge:  &fakeBridge{health: serialdev.HealthMessage{Status: serialdev.HealthHealthy}},
		Ports:   &fakePorts{},
		MQTT:    sub,
		Topics:  mqtt.Topics{Namespace: "lab"},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close() //nolint:errcheck // Closed explicitly below

	if srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	wantPatterns := mqtt.Topics{Namespace: "lab"}.EventSubscriptions()
	if strings.Join(sub.patterns, " ") != strings.Join(wantPatterns, " ") {
		t.Errorf("subscribed %v, want %v", sub.patterns, wantPatterns)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: port},
		WS:     testWSConfig(),
		Logger: testLogger(),
		Bridge: &fakeBridge{},
		Ports:  &fakePorts{},
		MQTT:   &fakeSubscriber{err: errors.New("broker down")},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := srv.Start(context.Background()); err == nil {
		srv.Close() //nolint:errcheck // Unexpected success
		t.Fatal("Start() on a busy port = nil, want error")
	}
}
