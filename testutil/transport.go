package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/transport"
)

// Call log entry prefixes recorded by MockTransport.
const (
	CallSubscribe   = "subscribe:"
	CallUnsubscribe = "unsubscribe:"
	CallPublish     = "publish:"
)

// PublishedMessage is a publish recorded by MockTransport.
type PublishedMessage struct {
	Topic    string
	Envelope envelope.Envelope
}

// MockTransport is a scriptable in-memory transport.Transport.
// Acks and injected replies are delivered synchronously on the calling
// goroutine, which makes handler ordering deterministic in tests.
// Thread-safe for concurrent use from multiple goroutines.
type MockTransport struct {
	mu sync.Mutex

	calls     []string
	published []PublishedMessage
	subs      map[string][]*mockSubscription

	subscribeAck *transport.Ack
	publishAck   *transport.Ack
	subscribeErr error
	publishErr   error

	autoReply  *string
	replyFirst bool
	onPublish  func(topic string, env envelope.Envelope)
	closed     bool
}

// NewMockTransport creates a mock that accepts every subscribe and publish.
func NewMockTransport() *MockTransport {
	ok := transport.Accepted()
	return &MockTransport{
		subs:         make(map[string][]*mockSubscription),
		subscribeAck: &ok,
		publishAck:   &ok,
	}
}

// SetSubscribeAck scripts the ack for subsequent subscriptions.
// nil means the ack never arrives.
func (m *MockTransport) SetSubscribeAck(ack *transport.Ack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeAck = ack
}

// SetPublishAck scripts the ack for subsequent publishes.
// nil means the ack never arrives.
func (m *MockTransport) SetPublishAck(ack *transport.Ack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishAck = ack
}

// SetSubscribeError makes Subscribe fail synchronously with err.
func (m *MockTransport) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SetPublishError makes Publish fail synchronously with err.
func (m *MockTransport) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// AutoReply answers every published image request with text on
// <topic>/<correlation id>. With replyFirst the reply is delivered before
// the publish ack.
func (m *MockTransport) AutoReply(text string, replyFirst bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReply = &text
	m.replyFirst = replyFirst
}

// OnPublish installs a hook run after a publish is recorded and before its ack.
func (m *MockTransport) OnPublish(fn func(topic string, env envelope.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPublish = fn
}

// Subscribe implements transport.Subscriber.
func (m *MockTransport) Subscribe(ctx context.Context, topic string, onAck transport.AckHandler, onResult transport.ResultHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("transport is closed")
	}
	m.calls = append(m.calls, CallSubscribe+topic)
	if m.subscribeErr != nil {
		err := m.subscribeErr
		m.mu.Unlock()
		return nil, err
	}

	sub := &mockSubscription{owner: m, topic: topic, onResult: onResult}
	ack := m.subscribeAck
	if ack == nil || ack.OK() {
		m.subs[topic] = append(m.subs[topic], sub)
	}
	m.mu.Unlock()

	if ack != nil && onAck != nil {
		onAck(*ack)
	}
	return sub, nil
}

// Publish implements transport.Publisher.
func (m *MockTransport) Publish(ctx context.Context, topic string, env envelope.Envelope, onAck transport.AckHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	m.calls = append(m.calls, CallPublish+topic)
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, PublishedMessage{Topic: topic, Envelope: env})
	ack := m.publishAck
	hook := m.onPublish
	autoReply := m.autoReply
	replyFirst := m.replyFirst
	m.mu.Unlock()

	if hook != nil {
		hook(topic, env)
	}

	reply := func() {
		if autoReply == nil {
			return
		}
		req, err := envelope.ParseImageRequest(env)
		if err != nil {
			return
		}
		m.Deliver(transport.JoinTopic(topic, req.CorrelationID), envelope.Text(*autoReply))
	}
	sendAck := func() {
		if ack != nil && onAck != nil {
			onAck(*ack)
		}
	}

	if replyFirst {
		reply()
		sendAck()
	} else {
		sendAck()
		reply()
	}
	return nil
}

// Deliver injects env on topic and returns the number of handlers it reached.
func (m *MockTransport) Deliver(topic string, env envelope.Envelope) int {
	m.mu.Lock()
	subs := make([]*mockSubscription, len(m.subs[topic]))
	copy(subs, m.subs[topic])
	m.mu.Unlock()

	// Handlers run outside the lock so they may call back into the mock
	for _, s := range subs {
		if s.onResult != nil {
			s.onResult(transport.Message{Topic: topic, Envelope: env})
		}
	}
	return len(subs)
}

// DeliverText injects a single part text reply on topic.
func (m *MockTransport) DeliverText(topic, text string) int {
	return m.Deliver(topic, envelope.Text(text))
}

// Calls returns the ordered call log.
func (m *MockTransport) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Published returns every recorded publish.
func (m *MockTransport) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// PublishCount returns the number of publish calls, including failed ones.
func (m *MockTransport) PublishCount() int {
	return m.countCalls(CallPublish)
}

// SubscribeCount returns the number of subscribe calls.
func (m *MockTransport) SubscribeCount() int {
	return m.countCalls(CallSubscribe)
}

func (m *MockTransport) countCalls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// ActiveSubscriptions returns the number of live subscriptions on topic.
func (m *MockTransport) ActiveSubscriptions(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// TotalSubscriptions returns the number of live subscriptions on all topics.
func (m *MockTransport) TotalSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		n += len(s)
	}
	return n
}

// Close rejects further calls.
func (m *MockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]*mockSubscription)
}

type mockSubscription struct {
	owner    *MockTransport
	topic    string
	onResult transport.ResultHandler
	once     sync.Once
}

func (s *mockSubscription) Topic() string { return s.topic }

func (s *mockSubscription) Unsubscribe() error {
	s.once.Do(func() {
		m := s.owner
		m.mu.Lock()
		defer m.mu.Unlock()
		m.calls = append(m.calls, CallUnsubscribe+s.topic)
		list := m.subs[s.topic]
		for i, other := range list {
			if other == s {
				m.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(m.subs[s.topic]) == 0 {
			delete(m.subs, s.topic)
		}
	})
	return nil
}

var _ transport.Transport = (*MockTransport)(nil)
