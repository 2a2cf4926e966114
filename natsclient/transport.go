package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/transport"
)

// DefaultAckTimeout bounds the server round-trip behind an ack.
const DefaultAckTimeout = 5 * time.Second

// Transport carries envelopes over a Client. Topics are used as NATS
// subjects unchanged. Acks are derived from server round-trips:
//
//   - subscribe: a flush after SUB; a permissions violation for the subject
//     seen before the flush completes rejects it
//   - publish: a flush after PUB, or the JetStream PubAck when JetStream
//     acks are enabled
type Transport struct {
	client     *Client
	codec      envelope.Codec
	jetstream  bool
	ackTimeout time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	violations map[string][]*watcher
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithCodec sets the wire codec. The default is CBOR.
func WithCodec(c envelope.Codec) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.codec = c
		}
	}
}

// WithJetStreamAcks publishes through JetStream and uses the stream's PubAck
// as the publish ack. The subject must be bound to a stream.
func WithJetStreamAcks(enabled bool) TransportOption {
	return func(t *Transport) { t.jetstream = enabled }
}

// WithAckTimeout bounds the round-trip behind each ack.
func WithAckTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.ackTimeout = d
		}
	}
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// Transport returns a transport.Transport backed by the client's connection.
func (c *Client) Transport(opts ...TransportOption) (*Transport, error) {
	codec, err := envelope.CBOR()
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "Transport", "build codec")
	}

	t := &Transport{
		client:     c,
		codec:      codec,
		ackTimeout: DefaultAckTimeout,
		logger:     slog.Default(),
		violations: make(map[string][]*watcher),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", transportLabel, "codec", t.codec.ContentType())

	c.listenAsyncErrors(t.onAsyncError)
	return t, nil
}

// Subscribe implements transport.Subscriber.
func (t *Transport) Subscribe(ctx context.Context, topic string, onAck transport.AckHandler, onResult transport.ResultHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.client.connected()
	if err != nil {
		return nil, err
	}

	watch := t.watch(conn, opSubscribe, topic)
	sub, err := conn.Subscribe(topic, func(msg *nats.Msg) {
		if onResult == nil {
			return
		}
		onResult(transport.Message{
			Topic:    msg.Subject,
			Envelope: envelope.UnframeOrRaw(t.codec, msg.Data),
		})
	})
	if err != nil {
		t.unwatch(watch)
		t.client.recordFailure()
		return nil, err
	}

	go func() {
		defer t.unwatch(watch)
		t.deliver(onAck, t.confirm(conn, watch))
	}()

	return &subscription{sub: sub}, nil
}

// Publish implements transport.Publisher.
func (t *Transport) Publish(ctx context.Context, topic string, env envelope.Envelope, onAck transport.AckHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := t.client.connected()
	if err != nil {
		return err
	}

	data, err := envelope.Frame(t.codec, env)
	if err != nil {
		return errors.WrapInvalid(err, "Transport", "Publish", "frame envelope")
	}

	if t.jetstream {
		return t.publishJetStream(ctx, topic, data, onAck)
	}

	watch := t.watch(conn, opPublish, topic)
	if err := conn.Publish(topic, data); err != nil {
		t.unwatch(watch)
		t.client.recordFailure()
		return err
	}

	go func() {
		defer t.unwatch(watch)
		t.deliver(onAck, t.confirm(conn, watch))
	}()
	return nil
}

func (t *Transport) publishJetStream(ctx context.Context, topic string, data []byte, onAck transport.AckHandler) error {
	js, err := t.client.JetStream()
	if err != nil {
		return err
	}

	future, err := js.PublishAsync(topic, data)
	if err != nil {
		return err
	}

	go func() {
		timer := time.NewTimer(t.ackTimeout)
		defer timer.Stop()

		var ack transport.Ack
		select {
		case pa := <-future.Ok():
			t.logger.Debug("jetstream ack", "topic", topic, "stream", pa.Stream, "seq", pa.Sequence)
			ack = transport.Accepted()
		case err := <-future.Err():
			ack = transport.Rejected(err.Error())
		case <-timer.C:
			ack = transport.Rejected(fmt.Sprintf("no PubAck within %s", t.ackTimeout))
		case <-ctx.Done():
			ack = transport.Rejected(ctx.Err().Error())
		}
		t.deliver(onAck, ack)
	}()
	return nil
}

// confirm waits for the server round-trip and turns it into an ack.
func (t *Transport) confirm(conn *nats.Conn, w *watcher) transport.Ack {
	if err := conn.FlushTimeout(t.ackTimeout); err != nil {
		t.client.recordFailure()
		return transport.Rejected(err.Error())
	}

	// The server answers SUB/PUB errors before the flush PONG
	select {
	case reason := <-w.ch:
		return transport.Rejected(reason)
	default:
	}
	if reason, ok := w.lastError(conn); ok {
		return transport.Rejected(reason)
	}
	return transport.Accepted()
}

func (t *Transport) deliver(onAck transport.AckHandler, ack transport.Ack) {
	if onAck != nil {
		onAck(ack)
	}
}

const (
	opSubscribe = "subscription"
	opPublish   = "publish"
)

// watcher waits for a permissions violation of one operation on one subject.
type watcher struct {
	op     string
	topic  string
	before error // connection's last error when the operation was sent
	ch     chan string
}

func (t *Transport) watch(conn *nats.Conn, op, topic string) *watcher {
	w := &watcher{op: op, topic: topic, before: conn.LastError(), ch: make(chan string, 1)}
	t.mu.Lock()
	t.violations[w.key()] = append(t.violations[w.key()], w)
	t.mu.Unlock()
	return w
}

func (w *watcher) key() string { return w.op + " " + w.topic }

// lastError reports a violation recorded on the connection after the
// operation was sent.
func (w *watcher) lastError(conn *nats.Conn) (string, bool) {
	err := conn.LastError()
	if err == nil || err == w.before {
		return "", false
	}
	op, topic, ok := parseViolation(err)
	if !ok || op != w.op || topic != w.topic {
		return "", false
	}
	return err.Error(), true
}

func (t *Transport) unwatch(w *watcher) {
	key := w.key()
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.violations[key]
	for i, other := range list {
		if other == w {
			t.violations[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.violations[key]) == 0 {
		delete(t.violations, key)
	}
}

// onAsyncError routes permission violations to waiting acks.
func (t *Transport) onAsyncError(_ *nats.Subscription, err error) {
	op, topic, ok := parseViolation(err)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.violations[op+" "+topic] {
		select {
		case w.ch <- err.Error():
		default:
		}
	}
}

// parseViolation extracts the operation and subject from a server
// permissions violation such as
// `nats: permissions violation for subscription to "a.b"`.
func parseViolation(err error) (op, topic string, ok bool) {
	if err == nil {
		return "", "", false
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	idx := strings.Index(lower, "permissions violation for ")
	if idx < 0 {
		return "", "", false
	}
	rest := lower[idx+len("permissions violation for "):]
	switch {
	case strings.HasPrefix(rest, opSubscribe):
		op = opSubscribe
	case strings.HasPrefix(rest, opPublish):
		op = opPublish
	default:
		return "", "", false
	}

	// Subjects are case sensitive, so read them from the original text
	start := strings.Index(msg[idx:], `"`)
	if start < 0 {
		return "", "", false
	}
	start += idx + 1
	end := strings.Index(msg[start:], `"`)
	if end < 0 {
		return "", "", false
	}
	return op, msg[start : start+end], true
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Topic() string { return s.sub.Subject }

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			s.err = err
		}
	})
	return s.err
}

var _ transport.Transport = (*Transport)(nil)
