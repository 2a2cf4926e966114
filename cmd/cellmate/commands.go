package main

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cellmate/config"
	"github.com/c360/cellmate/envelope"
	"github.com/c360/cellmate/health"
	"github.com/c360/cellmate/imagecodec"
	"github.com/c360/cellmate/imagetask"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/responder"
	"github.com/c360/cellmate/transport"
)

// runPublish sends one image and prints the reply on stdout
func runPublish(
	ctx context.Context,
	cfg *config.Config,
	cliCfg *CLIConfig,
	registry *metric.MetricsRegistry,
	stdout, stderr io.Writer,
) error {
	pf, err := parsePublishFlags(cliCfg.Args, stderr)
	if err != nil {
		return err
	}

	req, err := loadRequest(pf)
	if err != nil {
		return err
	}

	conn, err := openTransport(ctx, cfg, registry, slog.Default())
	if err != nil {
		return err
	}
	defer closeConnection(conn, cliCfg.ShutdownTimeout)

	topic := cfg.Client.Topic
	if pf.Topic != "" {
		topic = pf.Topic
	}

	// Nobody else can reach an in-process broker, so answer locally
	if conn.kind == config.TransportMemory {
		slog.Info("Memory transport selected, answering requests in-process", "topic", topic)
		local := newResponder(conn, topic, cfg.Client.Header, cfg.Responder, registry)
		if err := local.Start(ctx); err != nil {
			return fmt.Errorf("start local responder: %w", err)
		}
		defer func() { _ = local.Stop(cliCfg.ShutdownTimeout) }()
	}

	timeout := cfg.Client.ReplyTimeout
	if pf.Timeout > 0 {
		timeout = pf.Timeout
	}

	opts := []imagetask.Option{
		imagetask.WithLogger(slog.Default()),
		imagetask.WithMetricsRegistry(registry),
		imagetask.WithTopic(topic),
		imagetask.WithHeader(cfg.Client.Header),
		imagetask.WithReplyTimeout(timeout),
		imagetask.WithSubscribeTimeout(cfg.Client.SubscribeTimeout),
		imagetask.WithJPEGQuality(cfg.Client.JPEGQuality),
		imagetask.WithWorkers(cfg.Client.Workers, cfg.Client.QueueSize),
	}
	if cfg.Client.ShortIDs {
		opts = append(opts, imagetask.WithShortIDs())
	}

	publisher := imagetask.NewPublisher(conn, opts...)
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	defer func() { _ = publisher.Close(cliCfg.ShutdownTimeout) }()

	res, err := awaitReply(ctx, publisher, req)
	if err != nil {
		return fmt.Errorf("image request on %s: %w", topic, err)
	}

	slog.Info("Reply received",
		"topic", topic,
		"correlation_id", res.CorrelationID,
		"elapsed", res.Elapsed)
	_, err = fmt.Fprintln(stdout, res.Reply)
	return err
}

// runServe answers image requests until ctx ends
func runServe(
	ctx context.Context,
	cfg *config.Config,
	cliCfg *CLIConfig,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
) error {
	conn, err := openTransport(ctx, cfg, registry, slog.Default())
	if err != nil {
		return err
	}
	defer closeConnection(conn, cliCfg.ShutdownTimeout)

	r := newResponder(conn, cfg.Responder.Topic, cfg.Responder.Header, cfg.Responder, registry)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start responder: %w", err)
	}
	slog.Info("cellmate serving", "topic", r.Topic(), "transport", conn.kind)

	monitor.Register("transport", transportCheck(conn))
	monitor.Register("responder", responderCheck(r))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx, healthInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Received shutdown signal")
		if err := r.Stop(cliCfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := r.Stats()
	attrs := []any{"processed", stats.Processed, "failed", stats.Failed, "dropped", stats.Dropped}
	if outcomes, err := registry.CounterTotals("cellmate_responder_requests_total", "outcome"); err == nil {
		attrs = append(attrs, "outcomes", outcomes)
	}
	slog.Info("cellmate shutdown complete", attrs...)
	return nil
}

// awaitReply submits req and waits for its outcome or the end of ctx
func awaitReply(ctx context.Context, p *imagetask.Publisher, req imagetask.Request) (imagetask.Result, error) {
	return p.Submit(ctx, req, nil).Wait(ctx)
}

func newResponder(
	t transport.Transport,
	topic, header string,
	rc config.ResponderConfig,
	registry *metric.MetricsRegistry,
) *responder.Responder {
	return responder.New(t, topic, responder.DecodeHandler(),
		responder.WithLogger(slog.Default()),
		responder.WithMetricsRegistry(registry),
		responder.WithMaxClients(rc.MaxClients),
		responder.WithQueueSize(rc.QueueSize),
		responder.WithHandleTimeout(rc.ReplyTimeout),
		responder.WithExpectedHeader(header),
		responder.WithRateLimit(rc.RateLimit, rc.RateBurst),
	)
}

func closeConnection(conn *connection, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		slog.Warn("Transport close failed", "transport", conn.kind, "error", err)
	}
}

// loadRequest reads the image named by pf. PNG and JPEG files are sent as
// greyscale; anything else is a raw buffer described by the size flags.
func loadRequest(pf *PublishFlags) (imagetask.Request, error) {
	req := imagetask.Request{
		Intrinsics: envelope.Intrinsics{Fx: pf.Fx, Fy: pf.Fy, Cx: pf.Cx, Cy: pf.Cy},
	}

	switch strings.ToLower(filepath.Ext(pf.Image)) {
	case ".png", ".jpg", ".jpeg":
		f, err := os.Open(pf.Image)
		if err != nil {
			return req, fmt.Errorf("open image: %w", err)
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return req, fmt.Errorf("decode %s: %w", pf.Image, err)
		}
		req.Pixels, req.Width, req.Height = imagecodec.GrayPixels(img)
		req.Format = imagecodec.Gray8
		return req, nil
	}

	format, err := imagecodec.ParsePixelFormat(pf.Format)
	if err != nil {
		return req, err
	}
	if pf.Width == 0 || pf.Height == 0 {
		return req, fmt.Errorf("raw image %s needs --width and --height", pf.Image)
	}

	pixels, err := os.ReadFile(pf.Image)
	if err != nil {
		return req, fmt.Errorf("read image: %w", err)
	}
	req.Pixels = pixels
	req.Width = pf.Width
	req.Height = pf.Height
	req.Format = format
	return req, nil
}
