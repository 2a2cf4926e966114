// Package mqttclient carries cellmate envelopes over an MQTT broker using
// the Eclipse Paho client.
//
// Topics are used as MQTT topic names unchanged. A subscription is
// acknowledged by the broker's SUBACK: return code 0x80 rejects it. A publish
// is acknowledged when Paho completes its token, which is the PUBACK at QoS 1
// and the network write at QoS 0.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/transport"
)

const transportLabel = "mqtt"

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = fmt.Errorf("not connected to MQTT broker: %w", errors.ErrNoConnection)

// Config describes the broker connection.
type Config struct {
	Broker         string
	ClientID       string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	// TLS is used for ssl://, tls:// and wss:// brokers
	TLS *tls.Config
}

// Client is a transport.Transport backed by an MQTT connection.
type Client struct {
	cfg     Config
	client  mqtt.Client
	codec   envelope.Codec
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.RWMutex
	connected bool
	connects  int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec sets the wire codec. The default is CBOR.
func WithCodec(codec envelope.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithMetrics records connection state and reconnects in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Client) {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
	}
}

// WithPahoClient uses an existing Paho client instead of building one from
// Config. Connection callbacks are then the caller's responsibility.
func WithPahoClient(client mqtt.Client) Option {
	return func(c *Client) { c.client = client }
}

// New creates a Client. It does not connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.QoS > 2 {
		return nil, errors.WrapInvalid(fmt.Errorf("qos %d out of range", cfg.QoS), "mqttclient", "New", "validate config")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}

	codec, err := envelope.CBOR()
	if err != nil {
		return nil, errors.WrapFatal(err, "mqttclient", "New", "build codec")
	}

	c := &Client{
		cfg:    cfg,
		codec:  codec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("transport", transportLabel, "broker", cfg.Broker)

	if c.client == nil {
		if cfg.Broker == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mqttclient", "New", "check broker")
		}
		c.client = mqtt.NewClient(c.pahoOptions())
	}
	return c, nil
}

func (c *Client) pahoOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	// Handlers run concurrently; replies for different requests are independent
	opts.SetOrderMatters(false)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS != nil {
		opts.SetTLSConfig(c.cfg.TLS)
	}

	opts.OnConnect = func(mqtt.Client) { c.onConnect() }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) { c.onConnectionLost(err) }
	return opts
}

func (c *Client) onConnect() {
	c.mu.Lock()
	c.connected = true
	c.connects++
	reconnect := c.connects > 1
	c.mu.Unlock()

	c.metrics.RecordTransportStatus(transportLabel, true)
	if reconnect {
		c.metrics.RecordTransportReconnect(transportLabel)
	}
	c.logger.Info("mqtt connection established", "client_id", c.cfg.ClientID, "reconnect", reconnect)
}

func (c *Client) onConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.metrics.RecordTransportStatus(transportLabel, false)
	c.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
}

// Connect connects to the broker.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to mqtt broker")

	token := c.client.Connect()
	if err := c.wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return errors.WrapTransient(err, "mqttclient", "Connect", "connect to broker")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.metrics.RecordTransportStatus(transportLabel, true)
	return nil
}

// Disconnect closes the connection after a 250ms grace period.
func (c *Client) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.metrics.RecordTransportStatus(transportLabel, false)
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnectionOpen()
}

// Subscribe implements transport.Subscriber. Paho routes by topic, so a
// second subscription on the same topic replaces the handler of the first.
func (c *Client) Subscribe(ctx context.Context, topic string, onAck transport.AckHandler, onResult transport.ResultHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if onResult == nil {
			return
		}
		onResult(transport.Message{
			Topic:    msg.Topic(),
			Envelope: envelope.UnframeOrRaw(c.codec, msg.Payload()),
		})
	}

	token := c.client.Subscribe(topic, c.cfg.QoS, handler)
	go func() {
		ack := c.ackFor(token)
		if ack.OK() {
			ack = subackStatus(token, topic)
		}
		if onAck != nil {
			onAck(ack)
		}
	}()

	return &subscription{client: c, topic: topic}, nil
}

// Publish implements transport.Publisher.
func (c *Client) Publish(ctx context.Context, topic string, env envelope.Envelope, onAck transport.AckHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	data, err := envelope.Frame(c.codec, env)
	if err != nil {
		return errors.WrapInvalid(err, "mqttclient", "Publish", "frame envelope")
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, data)
	go func() {
		ack := c.ackFor(token)
		if onAck != nil {
			onAck(ack)
		}
	}()
	return nil
}

// ackFor waits for token and maps its completion to an ack.
func (c *Client) ackFor(token mqtt.Token) transport.Ack {
	if !token.WaitTimeout(c.cfg.AckTimeout) {
		return transport.Rejected(fmt.Sprintf("no ack within %s", c.cfg.AckTimeout))
	}
	if err := token.Error(); err != nil {
		return transport.Rejected(err.Error())
	}
	return transport.Accepted()
}

// subackResult is implemented by *mqtt.SubscribeToken.
type subackResult interface {
	Result() map[string]byte
}

func subackStatus(token mqtt.Token, topic string) transport.Ack {
	st, ok := token.(subackResult)
	if !ok {
		return transport.Accepted()
	}
	if code, found := st.Result()[topic]; found && code == subackFailure {
		return transport.Rejected(fmt.Sprintf("broker refused subscription to %q (0x80)", topic))
	}
	return transport.Accepted()
}

func (c *Client) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w: after %s", errors.ErrConnectionTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type subscription struct {
	client *Client
	topic  string
	once   sync.Once
	err    error
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if !s.client.IsConnected() {
			return
		}
		token := s.client.client.Unsubscribe(s.topic)
		if !token.WaitTimeout(s.client.cfg.AckTimeout) {
			s.err = fmt.Errorf("unsubscribe %s: %w", s.topic, errors.ErrConnectionTimeout)
			return
		}
		s.err = token.Error()
	})
	return s.err
}

var _ transport.Transport = (*Client)(nil)
