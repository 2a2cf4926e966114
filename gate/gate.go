// Package gate publishes envelopes and tracks the transport's publish ack
// separately from any application reply.
//
// An ok ack only means the broker accepted the message; it says nothing about
// whether a receiver processed it. Acks and replies may arrive in either
// order, so the ack is exposed as its own future.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/transport"
)

// Gate publishes envelopes on a transport.
type Gate struct {
	pub     transport.Publisher
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics counts publish acks by status.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a Gate on pub.
func New(pub transport.Publisher, opts ...Option) *Gate {
	g := &Gate{pub: pub, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Publish sends env to topic. A synchronous transport failure is returned
// as ErrPublishFailed (wrapping ErrTransportUnavailable and the cause); the
// asynchronous verdict is delivered through the returned future.
func (g *Gate) Publish(ctx context.Context, topic string, env envelope.Envelope) (*AckFuture, error) {
	f := newAckFuture(topic, g.onAck)

	if err := g.pub.Publish(ctx, topic, env, f.complete); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrPublishFailed, topic, errs.Unavailable(err))
	}
	return f, nil
}

func (g *Gate) onAck(topic string, ack transport.Ack) {
	g.metrics.RecordPublishAck(string(ack.Status))
	if !ack.OK() {
		g.logger.Warn("publish not acknowledged", "topic", topic, "status", ack.Status, "reason", ack.Reason)
		return
	}
	g.logger.Debug("publish acknowledged", "topic", topic)
}

// AckFuture is the pending publish ack of one message.
type AckFuture struct {
	topic   string
	observe func(string, transport.Ack)
	once    sync.Once
	done    chan struct{}
	ack     transport.Ack
}

func newAckFuture(topic string, observe func(string, transport.Ack)) *AckFuture {
	return &AckFuture{topic: topic, observe: observe, done: make(chan struct{})}
}

// complete is the transport AckHandler. Only the first ack counts.
func (f *AckFuture) complete(ack transport.Ack) {
	f.once.Do(func() {
		f.ack = ack
		close(f.done)
		if f.observe != nil {
			f.observe(f.topic, ack)
		}
	})
}

// Topic returns the topic the message was published to.
func (f *AckFuture) Topic() string { return f.topic }

// Done is closed when the ack arrives.
func (f *AckFuture) Done() <-chan struct{} { return f.done }

// Outcome returns the ack if it has arrived.
func (f *AckFuture) Outcome() (transport.Ack, bool) {
	select {
	case <-f.done:
		return f.ack, true
	default:
		return transport.Ack{}, false
	}
}

// Err returns ErrPublishFailed with the transport's reason if the ack
// arrived and was not ok, and nil otherwise.
func (f *AckFuture) Err() error {
	ack, ok := f.Outcome()
	if !ok || ack.OK() {
		return nil
	}
	return errs.PublishRejected(f.topic, ack.Reason)
}

// Wait blocks until the ack arrives or ctx ends.
func (f *AckFuture) Wait(ctx context.Context) (transport.Ack, error) {
	select {
	case <-f.done:
		return f.ack, f.Err()
	case <-ctx.Done():
		return transport.Ack{}, ctx.Err()
	}
}
