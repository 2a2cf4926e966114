// Package correlator sets up the per-request reply channel of the image
// request/reply protocol.
//
// For every request a correlation id is generated and a subscription is
// opened on <requestTopic>/<id>. OpenReplySubscription returns only after the
// transport acknowledged that subscription, so a request published afterwards
// cannot outrun its reply channel. The returned Pending holds a write-once
// reply slot: the first reply delivered wins, later ones are ignored.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/transport"
)

// DefaultSubscribeTimeout bounds the wait for a subscription ack.
const DefaultSubscribeTimeout = 5 * time.Second

// ShortIDLength is the length of legacy short correlation ids.
const ShortIDLength = 10

// IDGenerator produces correlation ids.
type IDGenerator func() string

// NewCorrelationID returns a random UUID string.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewShortCorrelationID returns the first ShortIDLength characters of a
// random UUID, the format legacy receivers expect. Collisions are possible
// under load.
func NewShortCorrelationID() string {
	return uuid.NewString()[:ShortIDLength]
}

// ReplyTopic derives the reply topic of a request.
func ReplyTopic(requestTopic, correlationID string) string {
	return transport.JoinTopic(requestTopic, correlationID)
}

// Correlator opens reply subscriptions on a transport.
type Correlator struct {
	sub              transport.Subscriber
	logger           *slog.Logger
	metrics          *metric.Metrics
	subscribeTimeout time.Duration
	newID            IDGenerator
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records subscription acks, active subscriptions and ignored replies.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithSubscribeTimeout bounds the wait for the subscription ack.
// A value <= 0 waits on the context only.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Correlator) { c.subscribeTimeout = d }
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *Correlator) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithShortIDs switches to legacy 10 character ids.
func WithShortIDs() Option {
	return WithIDGenerator(NewShortCorrelationID)
}

// New creates a Correlator on sub.
func New(sub transport.Subscriber, opts ...Option) *Correlator {
	c := &Correlator{
		sub:              sub,
		logger:           slog.Default(),
		subscribeTimeout: DefaultSubscribeTimeout,
		newID:            NewCorrelationID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCorrelationID returns a fresh id from the configured generator.
func (c *Correlator) NewCorrelationID() string {
	return c.newID()
}

// Open generates a correlation id and opens its reply subscription.
func (c *Correlator) Open(ctx context.Context, requestTopic string) (*Pending, error) {
	id := c.newID()
	return c.OpenReplySubscription(ctx, id, ReplyTopic(requestTopic, id))
}

// OpenReplySubscription subscribes to replyTopic and waits for the
// transport's ack. It fails with ErrSubscriptionRejected when the ack is not
// ok and with ErrTransportUnavailable when the subscribe call fails or the
// ack does not arrive in time. On failure nothing is left subscribed.
func (c *Correlator) OpenReplySubscription(ctx context.Context, correlationID, replyTopic string) (*Pending, error) {
	p := newPending(correlationID, replyTopic, c.logger, c.metrics)

	acks := make(chan transport.Ack, 1)
	onAck := func(ack transport.Ack) {
		select {
		case acks <- ack:
		default:
		}
	}

	sub, err := c.sub.Subscribe(ctx, replyTopic, onAck, p.onResult)
	if err != nil {
		p.fail()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Unavailable(fmt.Errorf("subscribe %s: %w", replyTopic, err))
	}
	p.attach(sub)

	var timeout <-chan time.Time
	if c.subscribeTimeout > 0 {
		timer := time.NewTimer(c.subscribeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ack := <-acks:
		c.metrics.RecordSubscriptionAck(string(ack.Status))
		if !ack.OK() {
			c.logger.Warn("reply subscription rejected",
				"reply_topic", replyTopic, "correlation_id", correlationID, "reason", ack.Reason)
			p.teardown()
			return nil, errs.SubscriptionRejected(replyTopic, ack.Reason)
		}
	case <-timeout:
		p.teardown()
		return nil, fmt.Errorf("%w: no subscription ack on %s within %s",
			errs.ErrTransportUnavailable, replyTopic, c.subscribeTimeout)
	case <-ctx.Done():
		p.teardown()
		return nil, ctx.Err()
	}

	if !p.transition(SubscriptionPending, SubscriptionActive) {
		p.teardown()
		return nil, fmt.Errorf("%w: reply subscription %s closed during setup",
			errs.ErrTransportUnavailable, replyTopic)
	}
	c.metrics.ReplySubscriptionOpened()
	p.counted.Store(true)

	c.logger.Debug("reply subscription active",
		"reply_topic", replyTopic, "correlation_id", correlationID)
	return p, nil
}
