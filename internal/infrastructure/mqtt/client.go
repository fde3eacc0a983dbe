package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-lutron/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client writes to.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Client is the bridge's connection to the Gray Logic broker. paho owns
// reconnection; Client layers on subscription replay, a retained service
// status and connection callbacks. Safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	options  *pahomqtt.ClientOptions
	cfg      config.MQTTConfig
	settings settings

	subs      *registry
	connected atomic.Bool

	hooksMu      sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Connect dials the broker and waits for the first CONNACK. After that,
// dropped connections are retried by paho with the configured backoff and
// every successful connect replays subscriptions, republishes the online
// status and fires the SetOnConnect callback.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	c := newClient(cfg, options...)

	c.options.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	c.options.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT reconnecting", "broker", brokerURL(cfg.Broker))
		}
	})

	c.client = pahomqtt.NewClient(c.options)
	if err := await(c.client.Connect(), ErrConnectionFailed, c.settings.connectTimeout); err != nil {
		return nil, err
	}

	// The connect handler runs asynchronously; mark the link up now so
	// callers can publish as soon as Connect returns.
	c.connected.Store(true)
	return c, nil
}

// newClient builds an unconnected Client.
func newClient(cfg config.MQTTConfig, options ...Option) *Client {
	s := settings{connectTimeout: defaultConnectTimeout}
	for _, opt := range options {
		opt(&s)
	}
	return &Client{
		cfg:      cfg,
		options:  buildClientOptions(cfg, s),
		settings: s,
		subs:     newRegistry(),
	}
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.resubscribe()

	id := c.cfg.Broker.ClientID
	c.client.Publish(ServiceStatusTopic(id), byte(c.cfg.QoS), true, statusPayload(id, "online", ""))

	c.hooksMu.RLock()
	fn := c.onConnect
	c.hooksMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.hooksMu.RLock()
	fn := c.onDisconnect
	c.hooksMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Close publishes a graceful offline status, which a consumer can tell
// apart from the will, and disconnects. Closing an unconnected client is
// a no-op.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		id := c.cfg.Broker.ClientID
		token := c.client.Publish(ServiceStatusTopic(id), byte(c.cfg.QoS), true, statusPayload(id, "offline", "graceful_shutdown"))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(disconnectQuiesceMillis)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected combines our own view with paho's.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect registers fn for the initial connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.hooksMu.Lock()
	c.onConnect = fn
	c.hooksMu.Unlock()
}

// SetOnDisconnect registers fn for lost connections.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.hooksMu.Lock()
	c.onDisconnect = fn
	c.hooksMu.Unlock()
}

// SetLogger enables logging of handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.hooksMu.Lock()
	c.logger = logger
	c.hooksMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.logger
}
