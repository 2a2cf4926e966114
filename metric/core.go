package metric

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cellmate/errors"
)

const namespace = "cellmate"

// Request outcomes, one per error kind plus success.
const (
	OutcomeOK                   = "ok"
	OutcomeInvalidImage         = "invalid_image"
	OutcomeSubscriptionRejected = "subscription_rejected"
	OutcomePublishFailed        = "publish_failed"
	OutcomeReplyTimeout         = "reply_timeout"
	OutcomeTransportUnavailable = "transport_unavailable"
	OutcomeCanceled             = "canceled"
	OutcomeError                = "error"
)

// Outcome maps a request error to its metric label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case stderrors.Is(err, errors.ErrInvalidImageBuffer):
		return OutcomeInvalidImage
	case stderrors.Is(err, errors.ErrSubscriptionRejected):
		return OutcomeSubscriptionRejected
	case stderrors.Is(err, errors.ErrReplyTimeout):
		return OutcomeReplyTimeout
	case stderrors.Is(err, errors.ErrPublishFailed):
		return OutcomePublishFailed
	case stderrors.Is(err, errors.ErrTransportUnavailable):
		return OutcomeTransportUnavailable
	case stderrors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// Metrics contains the request/reply metrics shared by the client and the responder.
// All Record methods are no-ops on a nil receiver.
type Metrics struct {
	// Client side
	RequestsTotal            *prometheus.CounterVec
	RequestDuration          prometheus.Histogram
	SubscriptionAcks         *prometheus.CounterVec
	PublishAcks              *prometheus.CounterVec
	ActiveReplySubscriptions prometheus.Gauge
	IgnoredReplies           *prometheus.CounterVec

	// Responder side
	ResponderRequests *prometheus.CounterVec
	ResponderDuration prometheus.Histogram

	// Transport
	TransportConnected  *prometheus.GaugeVec
	TransportReconnects *prometheus.CounterVec
	CircuitBreaker      *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "request",
				Name:      "total",
				Help:      "Image requests by outcome",
			},
			[]string{"outcome"},
		),

		RequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "request",
				Name:      "duration_seconds",
				Help:      "Time from subscribe to reply (or failure) in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		SubscriptionAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "acks_total",
				Help:      "Reply subscription acknowledgements by status",
			},
			[]string{"status"},
		),

		PublishAcks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "acks_total",
				Help:      "Publish acknowledgements by status",
			},
			[]string{"status"},
		),

		ActiveReplySubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "active",
				Help:      "Reply subscriptions currently open",
			},
		),

		IgnoredReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reply",
				Name:      "ignored_total",
				Help:      "Replies dropped by the correlator (duplicate, empty)",
			},
			[]string{"reason"},
		),

		ResponderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "requests_total",
				Help:      "Requests handled by the responder by outcome",
			},
			[]string{"outcome"},
		),

		ResponderDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "handler_duration_seconds",
				Help:      "Responder handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		TransportConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
			[]string{"transport"},
		),

		TransportReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
			[]string{"transport"},
		),

		CircuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "circuit_breaker",
				Help:      "Circuit breaker status (0=closed, 1=open)",
			},
			[]string{"transport"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RequestsTotal,
		c.RequestDuration,
		c.SubscriptionAcks,
		c.PublishAcks,
		c.ActiveReplySubscriptions,
		c.IgnoredReplies,
		c.ResponderRequests,
		c.ResponderDuration,
		c.TransportConnected,
		c.TransportReconnects,
		c.CircuitBreaker,
	}
}

// RecordRequest counts a finished request and its duration
func (c *Metrics) RecordRequest(err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(Outcome(err)).Inc()
	c.RequestDuration.Observe(duration.Seconds())
}

// RecordSubscriptionAck counts a reply subscription ack
func (c *Metrics) RecordSubscriptionAck(status string) {
	if c == nil {
		return
	}
	c.SubscriptionAcks.WithLabelValues(status).Inc()
}

// RecordPublishAck counts a publish ack
func (c *Metrics) RecordPublishAck(status string) {
	if c == nil {
		return
	}
	c.PublishAcks.WithLabelValues(status).Inc()
}

// ReplySubscriptionOpened increments the active reply subscription gauge
func (c *Metrics) ReplySubscriptionOpened() {
	if c == nil {
		return
	}
	c.ActiveReplySubscriptions.Inc()
}

// ReplySubscriptionClosed decrements the active reply subscription gauge
func (c *Metrics) ReplySubscriptionClosed() {
	if c == nil {
		return
	}
	c.ActiveReplySubscriptions.Dec()
}

// RecordIgnoredReply counts a reply the correlator dropped
func (c *Metrics) RecordIgnoredReply(reason string) {
	if c == nil {
		return
	}
	c.IgnoredReplies.WithLabelValues(reason).Inc()
}

// RecordResponderRequest counts a responder request and its handler time
func (c *Metrics) RecordResponderRequest(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ResponderRequests.WithLabelValues(outcome).Inc()
	if duration > 0 {
		c.ResponderDuration.Observe(duration.Seconds())
	}
}

// RecordTransportStatus updates the broker connection status
func (c *Metrics) RecordTransportStatus(transport string, connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.TransportConnected.WithLabelValues(transport).Set(value)
}

// RecordTransportReconnect increments the reconnection counter
func (c *Metrics) RecordTransportReconnect(transport string) {
	if c == nil {
		return
	}
	c.TransportReconnects.WithLabelValues(transport).Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(transport string, state int) {
	if c == nil {
		return
	}
	c.CircuitBreaker.WithLabelValues(transport).Set(float64(state))
}
