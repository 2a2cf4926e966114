package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cellmate/config"
	"github.com/c360/cellmate/imagecodec"
	"github.com/c360/cellmate/imagetask"
	"github.com/c360/cellmate/metric"
	"github.com/c360/cellmate/testutil"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func writePNG(t *testing.T, w, h int, shade uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return writeFile(t, "frame.png", buf.Bytes())
}

func memoryConfig(t *testing.T) string {
	t.Helper()
	return writeFile(t, "cellmate.yaml", []byte(`
client:
  topic: scene/img
  reply_timeout: 5s
transport:
  kind: memory
`))
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--log-format=text", "--debug", "publish", "--image=x.png"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "publish", cfg.Command)
	assert.Equal(t, []string{"--image=x.png"}, cfg.Args)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlags_EnvDefaults(t *testing.T) {
	t.Setenv("CELLMATE_LOG_LEVEL", "warn")
	t.Setenv("CELLMATE_SHUTDOWN_TIMEOUT", "3s")

	cfg, err := parseFlags([]string{"serve"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestValidateFlags(t *testing.T) {
	base := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second, Command: "serve"}
	}

	tests := []struct {
		name    string
		mutate  func(c *CLIConfig)
		wantErr string
	}{
		{"valid", func(*CLIConfig) {}, ""},
		{"missing command", func(c *CLIConfig) { c.Command = "" }, "missing command"},
		{"unknown command", func(c *CLIConfig) { c.Command = "dance" }, "unknown command"},
		{"validate needs no command", func(c *CLIConfig) {
			c.Command = ""
			c.Validate = true
		}, ""},
		{"log level", func(c *CLIConfig) { c.LogLevel = "loud" }, "invalid log level"},
		{"log format", func(c *CLIConfig) { c.LogFormat = "xml" }, "invalid log format"},
		{"missing config", func(c *CLIConfig) { c.ConfigPath = "/does/not/exist.yaml" }, "config file not found"},
		{"shutdown timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, "invalid shutdown timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePublishFlags(t *testing.T) {
	pf, err := parsePublishFlags([]string{
		"--image=f.raw", "--width=4", "--height=2", "--format=rgb24",
		"--fx=500", "--fy=500.5", "--cx=2", "--cy=1", "--topic=a/b", "--timeout=2s",
	}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "f.raw", pf.Image)
	assert.Equal(t, 4, pf.Width)
	assert.Equal(t, 2, pf.Height)
	assert.Equal(t, "rgb24", pf.Format)
	assert.Equal(t, 500.5, pf.Fy)
	assert.Equal(t, "a/b", pf.Topic)
	assert.Equal(t, 2*time.Second, pf.Timeout)

	_, err = parsePublishFlags(nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--image is required")

	_, err = parsePublishFlags([]string{"--image=f.raw", "extra"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unexpected arguments")
}

func TestLoadRequest(t *testing.T) {
	t.Run("png", func(t *testing.T) {
		req, err := loadRequest(&PublishFlags{Image: writePNG(t, 8, 6, 200), Fx: 500})
		require.NoError(t, err)
		assert.Equal(t, 8, req.Width)
		assert.Equal(t, 6, req.Height)
		assert.Equal(t, imagecodec.Gray8, req.Format)
		assert.Len(t, req.Pixels, 48)
		assert.Equal(t, uint8(200), req.Pixels[0])
		assert.Equal(t, 500.0, req.Fx)
	})

	t.Run("raw", func(t *testing.T) {
		path := writeFile(t, "frame.raw", make([]byte, 4*2*3))
		req, err := loadRequest(&PublishFlags{Image: path, Width: 4, Height: 2, Format: "rgb24"})
		require.NoError(t, err)
		assert.Equal(t, imagecodec.RGB24, req.Format)
		assert.Len(t, req.Pixels, 24)
	})

	t.Run("raw without size", func(t *testing.T) {
		path := writeFile(t, "frame.raw", make([]byte, 8))
		_, err := loadRequest(&PublishFlags{Image: path, Format: "gray8"})
		assert.ErrorContains(t, err, "needs --width and --height")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := loadRequest(&PublishFlags{Image: "frame.raw", Width: 1, Height: 1, Format: "yuv"})
		assert.ErrorContains(t, err, "unknown pixel format")
	})

	t.Run("corrupt png", func(t *testing.T) {
		path := writeFile(t, "bad.png", []byte("not a png"))
		_, err := loadRequest(&PublishFlags{Image: path})
		assert.ErrorContains(t, err, "decode")
	})
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &stdout, &bytes.Buffer{}))
	assert.Equal(t, "cellmate version "+Version+"\n", stdout.String())
}

func TestRun_Help(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--help"}, &bytes.Buffer{}, &stderr))
	assert.Contains(t, stderr.String(), "Usage: cellmate")
	assert.Contains(t, stderr.String(), "publish")
}

func TestRun_Validate(t *testing.T) {
	err := run(context.Background(), []string{"--config", memoryConfig(t), "--validate"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.NoError(t, err)

	bad := writeFile(t, "bad.yaml", []byte("transport:\n  kind: pigeon\n"))
	err = run(context.Background(), []string{"--config", bad, "--validate"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "transport.kind")
}

func TestRun_EnvFile(t *testing.T) {
	const key = "CELLMATE_TRANSPORT_KIND"
	if _, set := os.LookupEnv(key); set {
		t.Skip(key + " is set in the environment")
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	envFile := writeFile(t, "cellmate.env", []byte(key+"=pigeon\n"))
	err := run(context.Background(), []string{"--env-file", envFile, "--validate"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "transport.kind")

	err = run(context.Background(), []string{"--env-file", "/nonexistent/.env", "--validate"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "env file not found")
}

func TestRun_PublishOverMemoryTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	err := run(ctx, []string{
		"--config", memoryConfig(t),
		"--log-level", "error",
		"publish",
		"--image", writePNG(t, 8, 6, 128),
		"--fx", "500", "--fy", "500", "--cx", "4", "--cy", "3",
	}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)

	reply := strings.TrimSpace(stdout.String())
	assert.True(t, strings.HasPrefix(reply, "8x6 mean="), reply)
	assert.Contains(t, reply, "fx=500.0 fy=500.0 cx=4.0 cy=3.0")
}

func TestAwaitReply_ReturnsWhenContextEnds(t *testing.T) {
	req := imagetask.Request{
		Pixels: testutil.GradientPixels(4, 4),
		Width:  4,
		Height: 4,
		Format: imagecodec.Gray8,
	}

	tests := []struct {
		name string
		// startCtx is handed to Publisher.Start, waitCtx to awaitReply
		setup func() (startCtx, waitCtx context.Context)
	}{
		{
			name: "cancelled before the request runs",
			setup: func() (context.Context, context.Context) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, ctx
			},
		},
		{
			name: "cancelled while waiting for the reply",
			setup: func() (context.Context, context.Context) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return context.Background(), ctx
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startCtx, waitCtx := tt.setup()

			// Nobody answers on the mock transport
			p := imagetask.NewPublisher(testutil.NewMockTransport(),
				imagetask.WithTopic("scene/img"),
				imagetask.WithReplyTimeout(time.Minute))
			require.NoError(t, p.Start(startCtx))
			defer p.Close(time.Second)

			done := make(chan error, 1)
			go func() {
				_, err := awaitReply(waitCtx, p, req)
				done <- err
			}()

			select {
			case err := <-done:
				assert.Error(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("awaitReply did not return after cancellation")
			}
		})
	}
}

func TestRun_PublishCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{
			"--config", memoryConfig(t),
			"--log-level", "error",
			"publish",
			"--image", writePNG(t, 8, 6, 128),
		}, &bytes.Buffer{}, &bytes.Buffer{})
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not return after cancellation")
	}
}

func TestRun_ServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--config", memoryConfig(t), "--log-level", "error", "serve"}, &bytes.Buffer{}, &bytes.Buffer{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestHealthChecks(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory

	conn, err := openTransport(ctx, cfg, metric.NewMetricsRegistry(), slog.Default())
	require.NoError(t, err)
	defer closeConnection(conn, time.Second)

	assert.True(t, transportCheck(conn)().IsHealthy())

	down := &connection{kind: config.TransportNATS, healthy: func() bool { return false }}
	status := transportCheck(down)()
	assert.True(t, status.IsUnhealthy())
	assert.Equal(t, "nats disconnected", status.Message)

	r := newResponder(conn, cfg.Responder.Topic, cfg.Responder.Header, cfg.Responder, nil)
	require.NoError(t, r.Start(ctx))
	defer func() { _ = r.Stop(time.Second) }()

	status = responderCheck(r)()
	assert.True(t, status.IsHealthy())
	assert.Contains(t, status.Message, "queue 0/")
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text", "other"} {
		logger := setupLogger("debug", format)
		require.NotNil(t, logger)
		assert.True(t, logger.Enabled(context.Background(), -4))
	}
	assert.False(t, setupLogger("error", "json").Enabled(context.Background(), 0))
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "warn", "text").Warn("frame dropped", "topic", "scene/img")
	assert.Contains(t, buf.String(), "msg=\"frame dropped\"")
	assert.Contains(t, buf.String(), "topic=scene/img")

	buf.Reset()
	newLogger(&buf, "bogus", "json").Info("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), buf.String())

	buf.Reset()
	newLogger(&buf, "warn", "json").Info("hidden")
	assert.Empty(t, buf.String())
}
