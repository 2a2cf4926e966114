package metric

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cellmate/errors"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, OutcomeOK},
		{"invalid image", fmt.Errorf("encode: %w", errors.ErrInvalidImageBuffer), OutcomeInvalidImage},
		{"rejected", errors.SubscriptionRejected("a/b", "denied"), OutcomeSubscriptionRejected},
		{"publish failed", errors.PublishRejected("a", "x"), OutcomePublishFailed},
		{"timeout", errors.ErrReplyTimeout, OutcomeReplyTimeout},
		{"timeout with failed publish", fmt.Errorf("%w: %w", errors.ErrReplyTimeout, errors.ErrPublishFailed), OutcomeReplyTimeout},
		{"unavailable", errors.Unavailable(fmt.Errorf("eof")), OutcomeTransportUnavailable},
		{"canceled", context.Canceled, OutcomeCanceled},
		{"other", fmt.Errorf("boom"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestMetrics_RecordMethods(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordRequest(nil, 20*time.Millisecond)
	m.RecordRequest(errors.ErrReplyTimeout, time.Second)
	m.RecordSubscriptionAck("ok")
	m.RecordPublishAck("error")
	m.ReplySubscriptionOpened()
	m.ReplySubscriptionOpened()
	m.ReplySubscriptionClosed()
	m.RecordIgnoredReply("duplicate")
	m.RecordResponderRequest("ok", 5*time.Millisecond)
	m.RecordTransportStatus("nats", true)
	m.RecordTransportReconnect("nats")
	m.RecordCircuitBreakerState("nats", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeReplyTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionAcks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishAcks.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveReplySubscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IgnoredReplies.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponderRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportConnected.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportReconnects.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreaker.WithLabelValues("nats")))

	names := gatheredNames(t, registry)
	for _, want := range []string{
		"cellmate_request_total",
		"cellmate_request_duration_seconds",
		"cellmate_subscription_acks_total",
		"cellmate_publish_acks_total",
		"cellmate_subscription_active",
		"cellmate_reply_ignored_total",
		"cellmate_responder_requests_total",
		"cellmate_responder_handler_duration_seconds",
		"cellmate_transport_connected",
		"cellmate_transport_reconnects_total",
		"cellmate_transport_circuit_breaker",
	} {
		assert.True(t, names[want], "core metric %s should be gathered", want)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest(nil, time.Second)
		m.RecordSubscriptionAck("ok")
		m.RecordPublishAck("ok")
		m.ReplySubscriptionOpened()
		m.ReplySubscriptionClosed()
		m.RecordIgnoredReply("empty")
		m.RecordResponderRequest("ok", 0)
		m.RecordTransportStatus("mqtt", false)
		m.RecordTransportReconnect("mqtt")
		m.RecordCircuitBreakerState("mqtt", 0)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordRequest(nil, time.Millisecond)

	server := NewServer(0, "", registry)
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	handler, err := server.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cellmate_request_total")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_HandleOverridesHealth(t *testing.T) {
	server := NewServer(0, "", NewMetricsRegistry())
	server.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler, err := server.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_NilRegistry(t *testing.T) {
	server := NewServer(9999, "/m", nil)
	_, err := server.Handler()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	// Stop without Start is a no-op
	assert.NoError(t, server.Stop(context.Background()))
}
