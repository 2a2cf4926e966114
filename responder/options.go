package responder

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/cellmate/metric"
)

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetricsRegistry records responder and worker pool metrics in registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Responder) {
		if registry == nil {
			return
		}
		r.metrics = registry.CoreMetrics()
		r.registry = registry
	}
}

// WithMaxClients sets the number of requests handled concurrently.
func WithMaxClients(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.maxClients = n
		}
	}
}

// WithQueueSize sets how many requests may wait for a worker.
// The default is four per worker.
func WithQueueSize(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithHandleTimeout bounds a single handler call. d <= 0 disables the bound.
func WithHandleTimeout(d time.Duration) Option {
	return func(r *Responder) { r.handleTimeout = d }
}

// WithSubscribeTimeout bounds the wait for the subscription ack in Start.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(r *Responder) { r.subscribeTimeout = d }
}

// WithExpectedHeader ignores requests whose first part differs from header.
func WithExpectedHeader(header string) Option {
	return func(r *Responder) { r.header = header }
}

// WithRateLimit admits at most perSecond requests per second with bursts of
// burst. Requests over the limit get an error reply without reaching the
// handler. perSecond <= 0 leaves requests unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Responder) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}
