// Package transport defines the topic pub/sub contract the request/reply
// core is built on. Adapters live in natsclient, mqttclient and
// transport/memtransport.
//
// Both Subscribe and Publish complete in two steps: the call itself returns
// once the request was handed to the broker, and the broker's verdict arrives
// later through the AckHandler. Results on a subscription arrive through the
// ResultHandler. Handlers run on the adapter's I/O goroutines and must not block.
package transport

import (
	"context"

	"github.com/c360/cellmate/envelope"
)

// Status is the transport level verdict on a subscribe or publish.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Ack is the acknowledgement of a subscribe or publish request.
type Ack struct {
	Status Status
	Reason string
}

// OK reports whether the transport accepted the request.
func (a Ack) OK() bool {
	return a.Status == StatusOK
}

// Accepted returns an ok Ack.
func Accepted() Ack {
	return Ack{Status: StatusOK}
}

// Rejected returns a failed Ack carrying reason.
func Rejected(reason string) Ack {
	return Ack{Status: StatusError, Reason: reason}
}

// Message is one delivery on a subscription.
type Message struct {
	Topic    string
	Envelope envelope.Envelope
}

// AckHandler receives the single acknowledgement of an operation.
type AckHandler func(Ack)

// ResultHandler receives every message delivered on a subscription.
type ResultHandler func(Message)

// Subscription is a live subscription handle.
type Subscription interface {
	Topic() string
	// Unsubscribe tears the subscription down. It is safe to call more than once.
	Unsubscribe() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	// Subscribe registers onResult for topic. A non-nil error means the
	// request never reached the broker and onAck will not be called.
	Subscribe(ctx context.Context, topic string, onAck AckHandler, onResult ResultHandler) (Subscription, error)
}

// Publisher publishes envelopes.
type Publisher interface {
	// Publish sends env to topic. A non-nil error means the message never
	// reached the broker and onAck will not be called.
	Publish(ctx context.Context, topic string, env envelope.Envelope, onAck AckHandler) error
}

// Transport is the full pub/sub surface.
type Transport interface {
	Subscriber
	Publisher
}

// JoinTopic derives a sub-topic using the "/" convention.
func JoinTopic(topic, suffix string) string {
	return topic + "/" + suffix
}
