// Package responder implements the receiving side of the image
// request/reply protocol: it subscribes to a request topic, decodes each
// nine part image request, runs a Handler with bounded concurrency and
// publishes the handler's text on <topic>/<correlation id>.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/pkg/worker"
	"github.com/c360/cellmate/transport"
)

const (
	// DefaultMaxClients is the number of requests handled concurrently.
	DefaultMaxClients = 10
	// DefaultHandleTimeout bounds a single handler call.
	DefaultHandleTimeout = 30 * time.Second
	// DefaultSubscribeTimeout bounds the wait for the request subscription ack.
	DefaultSubscribeTimeout = 5 * time.Second
)

// Responder request outcomes, as recorded in metrics.
const (
	OutcomeOK        = metric.OutcomeOK
	OutcomeError     = metric.OutcomeError
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
	OutcomeBusy      = "busy"
	OutcomeDropped   = "dropped"
	OutcomeLimited   = "rate_limited"
)

// Handler turns one image request into reply text. A returned error is
// sent to the requester as "error: <message>".
type Handler interface {
	HandleImage(ctx context.Context, req envelope.ImageRequest) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req envelope.ImageRequest) (string, error)

// HandleImage calls f.
func (f HandlerFunc) HandleImage(ctx context.Context, req envelope.ImageRequest) (string, error) {
	return f(ctx, req)
}

// ErrRateLimited is replied when requests arrive faster than WithRateLimit allows.
var ErrRateLimited = errors.New("rate limit exceeded")

type job struct {
	req      envelope.ImageRequest
	received time.Time
}

// Responder serves image requests on one topic.
type Responder struct {
	transport transport.Transport
	handler   Handler
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  metric.MetricsRegistrar

	topic            string
	header           string
	maxClients       int
	queueSize        int
	handleTimeout    time.Duration
	subscribeTimeout time.Duration
	limiter          *rate.Limiter

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sub     transport.Subscription
	pool    *worker.Pool[job]
	running bool
}

// New creates a Responder for topic that answers with h.
func New(t transport.Transport, topic string, h Handler, opts ...Option) *Responder {
	r := &Responder{
		transport:        t,
		handler:          h,
		logger:           slog.Default(),
		topic:            topic,
		maxClients:       DefaultMaxClients,
		handleTimeout:    DefaultHandleTimeout,
		subscribeTimeout: DefaultSubscribeTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queueSize <= 0 {
		r.queueSize = r.maxClients * 4
	}
	r.logger = r.logger.With("topic", topic)
	return r
}

// Topic returns the request topic.
func (r *Responder) Topic() string { return r.topic }

// Start subscribes to the request topic and starts the workers. It returns
// once the transport acknowledged the subscription.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errs.ErrAlreadyStarted
	}
	if r.handler == nil {
		return errs.WrapInvalid(errs.ErrMissingConfig, "responder", "Start", "check handler")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)

	poolOpts := []worker.Option[job]{worker.WithDropHandler(r.onDrop)}
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](r.registry, "cellmate_responder_pool"))
	}
	r.pool = worker.NewPool(r.maxClients, r.queueSize, r.process, poolOpts...)
	if err := r.pool.Start(r.ctx); err != nil {
		r.cancel()
		return errs.Wrap(err, "responder", "Start", "start workers")
	}

	sub, err := r.subscribe(r.ctx)
	if err != nil {
		r.cancel()
		_ = r.pool.Stop(time.Second)
		return err
	}

	r.sub = sub
	r.running = true
	r.logger.Info("responder started", "max_clients", r.maxClients)
	return nil
}

func (r *Responder) subscribe(ctx context.Context) (transport.Subscription, error) {
	acks := make(chan transport.Ack, 1)
	onAck := func(ack transport.Ack) {
		select {
		case acks <- ack:
		default:
		}
	}

	sub, err := r.transport.Subscribe(ctx, r.topic, onAck, r.onMessage)
	if err != nil {
		return nil, errs.Unavailable(fmt.Errorf("subscribe %s: %w", r.topic, err))
	}

	var timeout <-chan time.Time
	if r.subscribeTimeout > 0 {
		timer := time.NewTimer(r.subscribeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ack := <-acks:
		r.metrics.RecordSubscriptionAck(string(ack.Status))
		if ack.OK() {
			return sub, nil
		}
		_ = sub.Unsubscribe()
		return nil, errs.SubscriptionRejected(r.topic, ack.Reason)
	case <-timeout:
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: no subscription ack for %s within %s",
			errs.ErrTransportUnavailable, r.topic, r.subscribeTimeout)
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil, ctx.Err()
	}
}

// Stop unsubscribes and waits up to timeout for in-flight requests.
// Requests still queued are answered with an error reply.
func (r *Responder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false

	if err := r.sub.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribe failed", "error", err)
	}
	err := r.pool.Stop(timeout)
	r.cancel()

	r.logger.Info("responder stopped")
	return err
}

// Stats returns worker pool statistics.
func (r *Responder) Stats() worker.PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return worker.PoolStats{}
	}
	return r.pool.Stats()
}

func (r *Responder) onMessage(msg transport.Message) {
	req, err := envelope.ParseImageRequest(msg.Envelope)
	if err != nil {
		if req.CorrelationID == "" {
			r.logger.Warn("dropping malformed request", "parts", msg.Envelope.Len(), "error", err)
			r.metrics.RecordResponderRequest(OutcomeMalformed, 0)
			return
		}
		r.logger.Warn("malformed request", "correlation_id", req.CorrelationID, "error", err)
		r.reply(req.CorrelationID, errorText(err))
		r.metrics.RecordResponderRequest(OutcomeMalformed, 0)
		return
	}

	if r.header != "" && req.Header != r.header {
		r.logger.Debug("ignoring request with foreign header",
			"correlation_id", req.CorrelationID, "header", req.Header)
		r.metrics.RecordResponderRequest(OutcomeIgnored, 0)
		return
	}

	if r.limiter != nil && !r.limiter.Allow() {
		err := errs.WrapTransient(ErrRateLimited, "responder", "onMessage", "admit request")
		r.reply(req.CorrelationID, errorText(err))
		r.metrics.RecordResponderRequest(OutcomeLimited, 0)
		return
	}

	if err := r.pool.Submit(job{req: req, received: time.Now()}); err != nil {
		r.logger.Warn("request rejected", "correlation_id", req.CorrelationID, "error", err)
		r.reply(req.CorrelationID, errorText(fmt.Errorf("server busy: %w", err)))
		r.metrics.RecordResponderRequest(OutcomeBusy, 0)
	}
}

func (r *Responder) process(ctx context.Context, j job) error {
	hctx := ctx
	if r.handleTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, r.handleTimeout)
		defer cancel()
	}

	text, err := r.handler.HandleImage(hctx, j.req)
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		r.logger.Warn("handler failed", "correlation_id", j.req.CorrelationID, "error", err)
		text = errorText(err)
	}

	r.reply(j.req.CorrelationID, text)
	r.metrics.RecordResponderRequest(outcome, time.Since(j.received))
	return err
}

func (r *Responder) onDrop(j job, err error) {
	r.reply(j.req.CorrelationID, errorText(err))
	r.metrics.RecordResponderRequest(OutcomeDropped, time.Since(j.received))
}

func (r *Responder) reply(correlationID, text string) {
	replyTopic := transport.JoinTopic(r.topic, correlationID)
	onAck := func(ack transport.Ack) {
		r.metrics.RecordPublishAck(string(ack.Status))
		if !ack.OK() {
			r.logger.Warn("reply rejected", "reply_topic", replyTopic, "reason", ack.Reason)
		}
	}

	// Replies go out even while stopping so queued requesters are released
	if err := r.transport.Publish(context.WithoutCancel(r.ctx), replyTopic, envelope.Text(text), onAck); err != nil {
		r.logger.Warn("reply publish failed", "reply_topic", replyTopic, "error", err)
		return
	}
	r.logger.Debug("reply sent", "reply_topic", replyTopic, "correlation_id", correlationID)
}

func errorText(err error) string {
	return "error: " + err.Error()
}
