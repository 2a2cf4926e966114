// Package memtransport is an in-process transport.Transport. Subscriptions
// receive messages on their own goroutine in publish order; acks are
// delivered asynchronously, as with a network broker.
package memtransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/transport"
)

// DefaultBufferSize is the per subscription queue length.
const DefaultBufferSize = 256

// Operation names passed to an Authorizer.
const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
)

// Authorizer decides whether op on topic is allowed. A non-nil error is
// reported to the caller as a rejected ack with the error text as reason.
type Authorizer func(op, topic string) error

// Broker routes messages between subscriptions on exact topic match.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	closed bool

	bufferSize int
	authorize  Authorizer
	logger     *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithBufferSize sets the per subscription queue length. Messages for a
// full queue are dropped.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithAuthorizer installs an access check for subscribe and publish.
func WithAuthorizer(a Authorizer) Option {
	return func(b *Broker) { b.authorize = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:       make(map[string]map[uint64]*subscription),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type delivery struct {
	ack *transport.Ack
	msg transport.Message
}

type subscription struct {
	broker   *Broker
	id       uint64
	topic    string
	queue    chan delivery
	onAck    transport.AckHandler
	onResult transport.ResultHandler
	once     sync.Once
	done     chan struct{}
}

func (s *subscription) Topic() string { return s.topic }

// Unsubscribe stops delivery. Messages already queued are discarded.
func (s *subscription) Unsubscribe() error {
	s.broker.remove(s)
	return nil
}

func (s *subscription) run() {
	for {
		select {
		case d, ok := <-s.queue:
			if !ok {
				return
			}
			if d.ack != nil {
				if s.onAck != nil {
					s.onAck(*d.ack)
				}
				continue
			}
			if s.onResult != nil {
				s.onResult(d.msg)
			}
		case <-s.done:
			return
		}
	}
}

// Subscribe implements transport.Subscriber. The ack is delivered on the
// subscription goroutine ahead of any message.
func (b *Broker) Subscribe(ctx context.Context, topic string, onAck transport.AckHandler, onResult transport.ResultHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("memtransport: %w", errs.ErrNoConnection)
	}
	b.nextID++
	s := &subscription{
		broker:   b,
		id:       b.nextID,
		topic:    topic,
		queue:    make(chan delivery, b.bufferSize+1),
		onAck:    onAck,
		onResult: onResult,
		done:     make(chan struct{}),
	}

	if err := b.check(OpSubscribe, topic); err != nil {
		b.mu.Unlock()
		ack := transport.Rejected(err.Error())
		go notify(onAck, ack)
		return s, nil
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscription)
	}
	b.subs[topic][s.id] = s
	ack := transport.Accepted()
	s.queue <- delivery{ack: &ack}
	b.mu.Unlock()

	go s.run()
	return s, nil
}

// Publish implements transport.Publisher. The ack reports that the broker
// routed the message; it does not wait for subscribers to handle it.
func (b *Broker) Publish(ctx context.Context, topic string, env envelope.Envelope, onAck transport.AckHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("memtransport: %w", errs.ErrNoConnection)
	}
	if err := b.check(OpPublish, topic); err != nil {
		b.mu.RUnlock()
		go notify(onAck, transport.Rejected(err.Error()))
		return nil
	}

	msg := transport.Message{Topic: topic, Envelope: env}
	for _, s := range b.subs[topic] {
		select {
		case s.queue <- delivery{msg: msg}:
		default:
			b.logger.Warn("slow subscriber, message dropped", "topic", topic)
		}
	}
	b.mu.RUnlock()

	go notify(onAck, transport.Accepted())
	return nil
}

// Subscriptions returns the number of live subscriptions on topic.
func (b *Broker) Subscriptions(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close removes every subscription and fails further calls.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(b.subs, topic)
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.topic)
		}
	}
	s.stop()
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (b *Broker) check(op, topic string) error {
	if b.authorize == nil {
		return nil
	}
	return b.authorize(op, topic)
}

func notify(onAck transport.AckHandler, ack transport.Ack) {
	if onAck != nil {
		onAck(ack)
	}
}

var _ transport.Transport = (*Broker)(nil)
