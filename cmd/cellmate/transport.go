package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/cellmate/config"
	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/mqttclient"
	"github.com/c360/cellmate/natsclient"
	"github.com/c360/cellmate/pkg/retry"
	"github.com/c360/cellmate/pkg/tlsutil"
	"github.com/c360/cellmate/transport"
	"github.com/c360/cellmate/transport/memtransport"
)

// connection is an open transport plus the teardown for whatever backs it
type connection struct {
	transport.Transport
	kind    string
	close   func(ctx context.Context) error
	healthy func() bool
}

// Healthy reports whether the broker link is currently usable
func (c *connection) Healthy() bool {
	if c.healthy == nil {
		return true
	}
	return c.healthy()
}

// Close releases the underlying broker connection
func (c *connection) Close(ctx context.Context) error {
	if c.close == nil {
		return nil
	}
	return c.close(ctx)
}

// openTransport connects to the configured network. Only the initial connect
// is retried; request/reply operations never are.
func openTransport(ctx context.Context, cfg *config.Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*connection, error) {
	codec, err := envelope.Lookup(cfg.Transport.Codec)
	if err != nil {
		return nil, fmt.Errorf("select codec: %w", err)
	}

	switch cfg.Transport.Kind {
	case config.TransportNATS:
		return openNATS(ctx, cfg.Transport.NATS, codec, registry, logger)
	case config.TransportMQTT:
		return openMQTT(ctx, cfg.Transport.MQTT, codec, registry, logger)
	case config.TransportMemory:
		broker := memtransport.New(memtransport.WithLogger(logger))
		return &connection{
			Transport: broker,
			kind:      config.TransportMemory,
			close:     func(context.Context) error { return broker.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func openNATS(
	ctx context.Context,
	nc config.NATSConfig,
	codec envelope.Codec,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*connection, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMetrics(registry),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
	}
	if nc.Name != "" {
		opts = append(opts, natsclient.WithName(nc.Name))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	tlsCfg, err := tlsutil.LoadClientTLSConfig(nc.TLS)
	if err != nil {
		return nil, fmt.Errorf("load NATS TLS config: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, natsclient.WithTLS(tlsCfg))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "urls", nc.URLs)
	connectCfg := retry.Connect()
	connectCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("NATS connect failed, retrying", "attempt", attempt, "error", err, "delay", delay)
	}
	if err := retry.Do(ctx, connectCfg, func() error { return client.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	t, err := client.Transport(
		natsclient.WithCodec(codec),
		natsclient.WithJetStreamAcks(nc.JetStream),
		natsclient.WithAckTimeout(nc.AckTimeout),
		natsclient.WithTransportLogger(logger),
	)
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("create NATS transport: %w", err)
	}

	return &connection{
		Transport: t,
		kind:      config.TransportNATS,
		close:     client.Close,
		healthy:   client.IsHealthy,
	}, nil
}

func openMQTT(
	ctx context.Context,
	mc config.MQTTConfig,
	codec envelope.Codec,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*connection, error) {
	tlsCfg, err := tlsutil.LoadClientTLSConfig(mc.TLS)
	if err != nil {
		return nil, fmt.Errorf("load MQTT TLS config: %w", err)
	}

	client, err := mqttclient.New(mqttclient.Config{
		Broker:         mc.Broker,
		ClientID:       mc.ClientID,
		QoS:            byte(mc.QoS),
		Username:       mc.Username,
		Password:       mc.Password,
		ConnectTimeout: mc.ConnectTimeout,
		AckTimeout:     mc.AckTimeout,
		TLS:            tlsCfg,
	},
		mqttclient.WithLogger(logger),
		mqttclient.WithCodec(codec),
		mqttclient.WithMetrics(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create MQTT client: %w", err)
	}

	connectCfg := retry.Connect()
	connectCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		slog.Warn("MQTT connect failed, retrying", "attempt", attempt, "error", err, "delay", delay)
	}
	if err := retry.Do(ctx, connectCfg, func() error { return client.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to MQTT: %w", err)
	}

	return &connection{
		Transport: client,
		kind:      config.TransportMQTT,
		close: func(context.Context) error {
			client.Disconnect()
			return nil
		},
		healthy: client.IsConnected,
	}, nil
}
