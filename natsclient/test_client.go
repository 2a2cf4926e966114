package natsclient

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testImage        = "nats:2.11.7-alpine"
	serverConfigPath = "/etc/nats/cellmate.conf"
)

// TestClient is a NATS server in a container plus a Client connected to it
type TestClient struct {
	Client *Client
	URL    string
}

type testConfig struct {
	jetstream     bool
	serverConfig  string
	clientOptions []ClientOption
	timeout       time.Duration
	startTimeout  time.Duration
}

// TestOption configures NewTestClient
type TestOption func(*testConfig)

// WithServerConfig starts the server with conf as its configuration file
func WithServerConfig(conf string) TestOption {
	return func(cfg *testConfig) {
		cfg.serverConfig = conf
	}
}

// NewTestClient starts a server and connects to it. Both are torn down
// when the test ends.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := &testConfig{timeout: 5 * time.Second, startTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx := context.Background()
	container, url, err := startServer(ctx, cfg)
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	tc := &TestClient{URL: url}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	tc.Client, err = tc.Connect(connectCtx, append([]ClientOption{WithTimeout(cfg.timeout)}, cfg.clientOptions...)...)
	if err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = tc.Client.Close(context.Background()) })

	if err := tc.Client.WaitForConnection(connectCtx); err != nil {
		t.Fatalf("NATS connection not ready: %v", err)
	}
	return tc
}

func startServer(ctx context.Context, cfg *testConfig) (testcontainers.Container, string, error) {
	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	req := testcontainers.ContainerRequest{
		Image:        testImage,
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
		),
	}
	if cfg.serverConfig != "" {
		req.Files = []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(cfg.serverConfig),
			ContainerFilePath: serverConfigPath,
			FileMode:          0o644,
		}}
		args = append(args, "--config", serverConfigPath)
	}
	req.Cmd = args

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("mapped port: %w", err)
	}
	return container, fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

// IsReady reports whether the shared client is connected
func (tc *TestClient) IsReady() bool {
	return tc.Client.IsHealthy()
}

// Connect opens another Client to the same server, without reconnects or
// liveness probing.
func (tc *TestClient) Connect(ctx context.Context, opts ...ClientOption) (*Client, error) {
	opts = append([]ClientOption{WithMaxReconnects(0), WithProbeInterval(0)}, opts...)
	client, err := NewClient(tc.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
