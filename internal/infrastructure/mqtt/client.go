package mqtt

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-serial/internal/infrastructure/config"
)

// Client is the bridge's broker connection, bound to one topic namespace.
//
// Every topic it publishes or subscribes to is checked against that
// namespace. Subscriptions are remembered and replayed after a reconnect,
// and the retained {ns}/bridge/status record follows the connection:
// online after every connect, "graceful_shutdown" on Close, and the
// broker-published will on a crash.
//
// All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	connected atomic.Bool

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger receives handler failures and reconnect notices.
// *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// MessageHandler handles one inbound message. topic has its wildcards
// expanded. A returned error is logged and the message is still
// acknowledged; handlers run concurrently, one goroutine per message.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and waits for the first connection. The will
// and the online record go to {namespace}/bridge/status; an empty
// namespace selects DefaultNamespace.
func Connect(cfg config.MQTTConfig, namespace string) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		topics:        Topics{Namespace: namespace},
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("MQTT reconnecting", "broker", cfg.Broker.Host, "subscriptions", c.SubscriptionCount())
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Stop the background connect retries.
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: no answer from %s:%d after %v",
			ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler runs on its own goroutine and may not have
	// run yet.
	c.connected.Store(true)
	return c, nil
}

// handleConnect runs after every successful (re)connect.
func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()
	c.publishBridgeStatus(statusOnline, "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions replays the remembered filters. Acknowledgements are
// awaited off the paho callback goroutine.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := slices.Collect(maps.Values(c.subscriptions))
	c.subMu.RUnlock()

	for _, sub := range subs {
		token := c.client.Subscribe(sub.filter, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if err := await(token, ErrSubscribeFailed); err != nil {
				c.warn("restoring subscription failed", "filter", sub.filter, "error", err)
			}
		}()
	}
}

// publishBridgeStatus publishes the retained online/offline record without
// waiting for the acknowledgement.
func (c *Client) publishBridgeStatus(status, reason string) pahomqtt.Token {
	payload := bridgeStatusPayload(status, c.cfg.Broker.ClientID, reason)
	return c.client.Publish(c.topics.BridgeStatus(), byte(c.cfg.QoS), true, payload) //nolint:gosec // QoS validated 0-2
}

// Close publishes the graceful offline record and disconnects. Safe on a
// client that never connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishBridgeStatus(statusOffline, reasonShutdown).WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// Topics returns the topic builder for this client's namespace.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect sets a callback run after the initial connect and after
// every reconnect, once subscriptions have been replayed.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger. Without one, handler errors are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}

// await waits for a broker acknowledgement and wraps a timeout or a broker
// error in kind.
func await(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no acknowledgement after %v", kind, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// wrapHandler adapts a MessageHandler to paho. A panic in a command handler
// is logged and does not take down the connection's dispatch goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
