package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// pointWriter is the part of the library's non-blocking write API the
// client uses. api.WriteAPI satisfies it.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// trafficKey identifies one traffic series.
type trafficKey struct {
	deviceID  string
	direction Direction
}

// trafficTotal accumulates chunks between flushes.
type trafficTotal struct {
	bytes  int64
	chunks int64
}

// Client records serial telemetry in InfluxDB.
//
// Session and health points are written as they happen. Serial traffic
// arrives one chunk at a time, often a few bytes each, so it is summed per
// device and direction and written once per flush interval.
//
// Write methods are no-ops while disconnected and on a nil Client, so the
// bridge never needs to check before recording. All methods are safe for
// concurrent use.
type Client struct {
	client influxdb2.Client
	points pointWriter

	interval  time.Duration
	mu        sync.Mutex
	connected bool
	traffic   map[trafficKey]trafficTotal

	onErrorMu sync.RWMutex
	onError   func(err error)

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect pings the server and starts the batched write API.
// It returns ErrDisabled when cfg.Enabled is false.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batchSize = uint(cfg.BatchSize) // #nosec G115 -- checked positive
	}
	interval := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		interval = time.Duration(cfg.FlushInterval) * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(interval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(writeAPI, interval)
	c.client = client
	go c.forwardErrors(writeAPI.Errors())

	return c, nil
}

// newClient starts the traffic flush loop over points.
func newClient(points pointWriter, interval time.Duration) *Client {
	c := &Client{
		points:    points,
		interval:  interval,
		connected: true,
		traffic:   make(map[trafficKey]trafficTotal),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

func (c *Client) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.writeTraffic(now)
		}
	}
}

// writeTraffic hands one point per active series to the write API and
// resets the totals.
func (c *Client) writeTraffic(ts time.Time) {
	c.mu.Lock()
	pending := c.traffic
	c.traffic = make(map[trafficKey]trafficTotal, len(pending))
	c.mu.Unlock()

	for key, total := range pending {
		c.points.WritePoint(trafficPoint(key.deviceID, key.direction, total, ts))
	}
}

func (c *Client) forwardErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.onErrorMu.RLock()
		callback := c.onError
		c.onErrorMu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// Close writes the pending traffic totals, flushes the write API and
// closes the connection. Safe to call more than once and on a nil Client.
func (c *Client) Close() error {
	if c == nil || c.points == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		close(c.done)
		c.wg.Wait()

		c.writeTraffic(time.Now())
		c.points.Flush()

		if c.client != nil {
			c.client.Close()
		}
	})
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.client == nil {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client accepts writes. It does not ping;
// use HealthCheck for that.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetOnError sets the callback for asynchronous batch write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.onErrorMu.Lock()
	c.onError = callback
	c.onErrorMu.Unlock()
}

// Flush writes the pending traffic totals and blocks until every buffered
// point has been sent. No-op after Close.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeTraffic(time.Now())
	c.points.Flush()
}
