package imagetask

import (
	"log/slog"
	"time"

	"github.com/c360/cellmate/correlator"
	"github.com/c360/cellmate/metric"
)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used by the publisher and its collaborators.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetricsRegistry records request metrics and worker pool metrics in registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(p *Publisher) {
		if registry == nil {
			return
		}
		p.metrics = registry.CoreMetrics()
		p.registry = registry
	}
}

// WithTopic sets the default request topic.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithHeader sets the first envelope part.
func WithHeader(header string) Option {
	return func(p *Publisher) {
		if header != "" {
			p.header = header
		}
	}
}

// WithReplyTimeout bounds the wait for a reply. d <= 0 waits on the
// request context only.
func WithReplyTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.replyTimeout = d }
}

// WithSubscribeTimeout bounds the wait for the reply subscription ack.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.correlatorOpts = append(p.correlatorOpts, correlator.WithSubscribeTimeout(d))
	}
}

// WithJPEGQuality sets the encoder quality.
func WithJPEGQuality(q int) Option {
	return func(p *Publisher) {
		if q > 0 {
			p.quality = q
		}
	}
}

// WithShortIDs uses legacy 10 character correlation ids.
func WithShortIDs() Option {
	return func(p *Publisher) {
		p.correlatorOpts = append(p.correlatorOpts, correlator.WithShortIDs())
	}
}

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(gen correlator.IDGenerator) Option {
	return func(p *Publisher) {
		p.correlatorOpts = append(p.correlatorOpts, correlator.WithIDGenerator(gen))
	}
}

// WithCallbackExecutor sets where Submit callbacks run. The default runs
// them on the worker goroutine that finished the request.
func WithCallbackExecutor(exec Executor) Option {
	return func(p *Publisher) {
		if exec != nil {
			p.executor = exec
		}
	}
}

// WithWorkers sizes the background pool used by Submit.
func WithWorkers(workers, queueSize int) Option {
	return func(p *Publisher) {
		if workers > 0 {
			p.workers = workers
		}
		if queueSize > 0 {
			p.queueSize = queueSize
		}
	}
}
