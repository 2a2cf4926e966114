// Package imagetask sends one camera frame to a remote application and waits
// for its text reply.
//
// A request runs in five steps: the frame is JPEG encoded, a reply
// subscription is opened on <topic>/<correlation id> and confirmed, the nine
// part envelope is built and published, and the caller blocks until the reply
// arrives or the reply timeout elapses. Do runs these steps on the calling
// goroutine; Submit runs them on a worker pool and completes a Future.
package imagetask

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360/cellmate/correlator"
	"github.com/c360/cellmate/envelope"
	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/gate"
	"github.com/c360/cellmate/imagecodec"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/pkg/worker"
	"github.com/c360/cellmate/transport"
)

// DefaultTopic is the request topic legacy receivers listen on.
const DefaultTopic = "scratch.ns/cellmate"

// DefaultReplyTimeout bounds the wait for a reply.
const DefaultReplyTimeout = 30 * time.Second

// Request is one frame to publish.
type Request struct {
	// Topic overrides the publisher's request topic when set.
	Topic  string
	Pixels []byte
	Width  int
	Height int
	Format imagecodec.PixelFormat
	envelope.Intrinsics
}

// Result is the outcome of a request. Fields other than Reply are filled in
// as far as the request got, also when an error is returned.
type Result struct {
	Reply         string
	CorrelationID string
	ReplyTopic    string
	// PublishAck is nil when the ack had not arrived when the request ended.
	PublishAck *transport.Ack
	Elapsed    time.Duration
}

// Publisher runs image requests over a transport.
type Publisher struct {
	correlator *correlator.Correlator
	gate       *gate.Gate
	logger     *slog.Logger
	metrics    *metric.Metrics
	registry   metric.MetricsRegistrar

	topic        string
	header       string
	replyTimeout time.Duration
	quality      int

	correlatorOpts []correlator.Option
	executor       Executor
	workers        int
	queueSize      int
	pool           *worker.Pool[*job]
}

// NewPublisher creates a Publisher on t.
func NewPublisher(t transport.Transport, opts ...Option) *Publisher {
	p := &Publisher{
		logger:       slog.Default(),
		topic:        DefaultTopic,
		header:       envelope.DefaultHeader,
		replyTimeout: DefaultReplyTimeout,
		quality:      imagecodec.DefaultQuality,
		executor:     inline,
		workers:      4,
		queueSize:    64,
	}
	for _, opt := range opts {
		opt(p)
	}

	copts := append([]correlator.Option{
		correlator.WithLogger(p.logger),
		correlator.WithMetrics(p.metrics),
	}, p.correlatorOpts...)
	p.correlator = correlator.New(t, copts...)
	p.gate = gate.New(t, gate.WithLogger(p.logger), gate.WithMetrics(p.metrics))

	poolOpts := []worker.Option[*job]{
		worker.WithDropHandler(func(j *job, err error) {
			j.complete(Result{}, err)
		}),
	}
	if p.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[*job](p.registry, "cellmate_publisher_pool"))
	}
	p.pool = worker.NewPool(p.workers, p.queueSize, p.process, poolOpts...)

	return p
}

// Topic returns the default request topic.
func (p *Publisher) Topic() string { return p.topic }

// PublishImageAndAwaitReply publishes req and returns the reply text.
func (p *Publisher) PublishImageAndAwaitReply(ctx context.Context, req Request) (string, error) {
	res, err := p.Do(ctx, req)
	return res.Reply, err
}

// Do publishes req and blocks until the reply arrives or the request fails.
// Errors match one of the errors package sentinels; a timed-out request
// whose publish was also rejected matches both ErrReplyTimeout and
// ErrPublishFailed.
func (p *Publisher) Do(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := p.do(ctx, req)
	res.Elapsed = time.Since(start)
	p.metrics.RecordRequest(err, res.Elapsed)

	if err != nil {
		p.logger.Warn("image request failed",
			"topic", p.requestTopic(req), "correlation_id", res.CorrelationID,
			"elapsed", res.Elapsed, "error", err)
		return res, err
	}
	p.logger.Debug("image request completed",
		"topic", p.requestTopic(req), "correlation_id", res.CorrelationID,
		"elapsed", res.Elapsed, "reply_bytes", len(res.Reply))
	return res, nil
}

func (p *Publisher) requestTopic(req Request) string {
	if req.Topic != "" {
		return req.Topic
	}
	return p.topic
}

func (p *Publisher) do(ctx context.Context, req Request) (Result, error) {
	var res Result
	topic := p.requestTopic(req)

	// Encoding failures are caller errors and never touch the network
	image, err := imagecodec.Encode(req.Pixels, req.Width, req.Height, req.Format,
		imagecodec.WithQuality(p.quality))
	if err != nil {
		return res, err
	}

	pending, err := p.correlator.Open(ctx, topic)
	if err != nil {
		return res, err
	}
	defer pending.Close()
	res.CorrelationID = pending.ID()
	res.ReplyTopic = pending.ReplyTopic()

	env := envelope.Build(envelope.ImageRequest{
		Header:        p.header,
		CorrelationID: pending.ID(),
		Image:         image,
		Width:         req.Width,
		Height:        req.Height,
		Intrinsics:    req.Intrinsics,
	})

	ack, err := p.gate.Publish(ctx, topic, env)
	if err != nil {
		return res, err
	}

	reply, err := pending.Await(ctx, p.replyTimeout)
	if a, ok := ack.Outcome(); ok {
		res.PublishAck = &a
	}
	if err != nil {
		if errors.Is(err, errs.ErrReplyTimeout) {
			if ackErr := ack.Err(); ackErr != nil {
				err = errors.Join(err, ackErr)
			}
		}
		return res, err
	}

	res.Reply = reply
	return res, nil
}
