package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/transport"
)

// ErrClosed is returned by Await when the pending request was closed before
// a reply arrived.
var ErrClosed = errors.New("reply subscription closed")

// State is the lifecycle state of one request's reply channel.
type State int32

const (
	Idle State = iota
	SubscriptionPending
	SubscriptionActive
	AwaitingReply
	ReplyReceived
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SubscriptionPending:
		return "subscription_pending"
	case SubscriptionActive:
		return "subscription_active"
	case AwaitingReply:
		return "awaiting_reply"
	case ReplyReceived:
		return "reply_received"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == ReplyReceived || s == Failed
}

// promise is a write-once string slot. resolve may be called from any
// goroutine; only the first call stores a value.
type promise struct {
	once  sync.Once
	done  chan struct{}
	value string
}

func newPromise() *promise {
	return &promise{done: make(chan struct{})}
}

func (p *promise) resolve(v string) bool {
	first := false
	p.once.Do(func() {
		p.value = v
		close(p.done)
		first = true
	})
	return first
}

// Pending is an open reply subscription for a single request.
// Await is meant to be called by exactly one goroutine.
type Pending struct {
	id      string
	topic   string
	logger  *slog.Logger
	metrics *metric.Metrics

	state   atomic.Int32
	counted atomic.Bool
	reply   *promise

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	mu  sync.Mutex
	sub transport.Subscription
}

func newPending(id, topic string, logger *slog.Logger, metrics *metric.Metrics) *Pending {
	p := &Pending{
		id:      id,
		topic:   topic,
		logger:  logger,
		metrics: metrics,
		reply:   newPromise(),
		closed:  make(chan struct{}),
	}
	p.state.Store(int32(SubscriptionPending))
	return p
}

// ID returns the correlation id.
func (p *Pending) ID() string { return p.id }

// ReplyTopic returns the topic replies are expected on.
func (p *Pending) ReplyTopic() string { return p.topic }

// State returns the current lifecycle state.
func (p *Pending) State() State { return State(p.state.Load()) }

// Done is closed once a reply has been stored.
func (p *Pending) Done() <-chan struct{} { return p.reply.done }

func (p *Pending) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// finish moves any non-terminal state to final.
func (p *Pending) finish(final State) bool {
	for {
		cur := State(p.state.Load())
		if cur.Terminal() {
			return false
		}
		if p.transition(cur, final) {
			return true
		}
	}
}

func (p *Pending) fail() { p.finish(Failed) }

func (p *Pending) attach(sub transport.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sub = sub
}

// onResult is the subscription's result handler. It runs on transport goroutines.
func (p *Pending) onResult(msg transport.Message) {
	text, ok := envelope.FirstText(msg.Envelope)
	if !ok {
		p.metrics.RecordIgnoredReply("empty")
		p.logger.Warn("ignoring reply without parts", "reply_topic", p.topic, "correlation_id", p.id)
		return
	}
	if !p.reply.resolve(text) {
		p.metrics.RecordIgnoredReply("duplicate")
		p.logger.Debug("ignoring duplicate reply", "reply_topic", p.topic, "correlation_id", p.id)
	}
}

// Await blocks until the reply arrives, timeout elapses, ctx ends or the
// pending is closed. timeout <= 0 waits on ctx only. Timeout and context
// deadline report ErrReplyTimeout; explicit cancellation reports the context
// error. The subscription is torn down on every outcome.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case <-p.reply.done:
		return p.deliver()
	default:
	}

	if !p.transition(SubscriptionActive, AwaitingReply) && p.State() == Failed {
		return "", ErrClosed
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.reply.done:
		return p.deliver()

	case <-p.closed:
		if p.replied() {
			return p.deliver()
		}
		return "", ErrClosed

	case <-expired:
		if p.replied() {
			return p.deliver()
		}
		p.teardown()
		return "", fmt.Errorf("%w: no reply on %s within %s", errs.ErrReplyTimeout, p.topic, timeout)

	case <-ctx.Done():
		if p.replied() {
			return p.deliver()
		}
		p.teardown()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", errs.ErrReplyTimeout, ctx.Err())
		}
		return "", ctx.Err()
	}
}

func (p *Pending) replied() bool {
	select {
	case <-p.reply.done:
		return true
	default:
		return false
	}
}

func (p *Pending) deliver() (string, error) {
	p.finish(ReplyReceived)
	_ = p.Close()
	return p.reply.value, nil
}

func (p *Pending) teardown() {
	p.fail()
	_ = p.Close()
}

// Close tears the subscription down. A request closed before its reply
// arrived ends in Failed. Close is idempotent and safe for concurrent use.
func (p *Pending) Close() error {
	p.closeOnce.Do(func() {
		p.fail()

		p.mu.Lock()
		sub := p.sub
		p.mu.Unlock()

		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				p.closeErr = err
				p.logger.Warn("reply unsubscribe failed",
					"reply_topic", p.topic, "correlation_id", p.id, "error", err)
			}
		}
		if p.counted.Load() {
			p.metrics.ReplySubscriptionClosed()
		}
		close(p.closed)
	})
	return p.closeErr
}
