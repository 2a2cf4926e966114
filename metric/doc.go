// Package metric provides Prometheus-based metrics collection and an HTTP
// server for cellmate observability.
//
// The registry owns a private prometheus.Registry with the core request
// metrics (Metrics) and Go runtime collectors pre-registered. Components that
// need their own collectors, such as the worker pool, register them through
// MetricsRegistrar.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        slog.Error("metrics server failed", "error", err)
//	    }
//	}()
//
//	m := registry.CoreMetrics()
//	m.RecordRequest(err, time.Since(start))
//
// Metrics are served at http://localhost:9090/metrics and a liveness probe
// at /health.
//
// # Core Metrics
//
//   - cellmate_request_total{outcome}: one per finished request
//   - cellmate_request_duration_seconds: subscribe to reply latency
//   - cellmate_subscription_acks_total{status}, cellmate_publish_acks_total{status}
//   - cellmate_subscription_active: open reply subscriptions
//   - cellmate_reply_ignored_total{reason}: duplicate or empty replies
//   - cellmate_responder_requests_total{outcome}, cellmate_responder_handler_duration_seconds
//   - cellmate_transport_connected{transport}, cellmate_transport_reconnects_total{transport},
//     cellmate_transport_circuit_breaker{transport}
//
// Record methods are safe on a nil *Metrics so components can run without a registry.
package metric
