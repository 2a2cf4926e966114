package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/metric"
)

const transportLabel = "nats"

// ConnectionStatus is the state of the server connection
type ConnectionStatus int

// Connection states
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{"disconnected", "connecting", "connected", "reconnecting", "circuit_open"}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Errors returned while there is no usable connection
var (
	ErrNotConnected = fmt.Errorf("not connected to NATS: %w", errors.ErrNoConnection)
	ErrCircuitOpen  = fmt.Errorf("nats: %w", errors.ErrCircuitOpen)
)

// Snapshot is a point-in-time view of the client for logs and health output
type Snapshot struct {
	Status      ConnectionStatus
	Failures    int32
	LastFailure time.Time
	RTT         time.Duration
}

// Client owns one NATS connection
type Client struct {
	url     string
	logger  Logger
	metrics *metric.Metrics
	breaker *breaker

	status atomic.Value // ConnectionStatus
	closed atomic.Bool

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	probeInterval time.Duration

	// cleared on Close
	username string
	password string
	token    string

	tlsConfig  *tls.Config
	clientName string

	mu         sync.RWMutex
	conn       *nats.Conn
	js         jetstream.JetStream
	asyncErrs  []func(*nats.Subscription, error)
	stopProbe  context.CancelFunc
	closeMu    sync.Mutex
	probeGroup sync.WaitGroup
}

// NewClient creates a client for url, a comma separated server list. It
// does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        &defaultLogger{},
		breaker:       newBreaker(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
		probeInterval: 10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the server list the client dials
func (c *Client) URL() string { return c.url }

// Status returns the current connection state
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the connect failures since the last success
func (c *Client) Failures() int32 { return c.breaker.failures() }

// Backoff returns how long the circuit stays open when it next trips
func (c *Client) Backoff() time.Duration { return c.breaker.currentBackoff() }

// Snapshot reports status, failures and, when connected, the RTT
func (c *Client) Snapshot() Snapshot {
	s := Snapshot{
		Status:      c.Status(),
		Failures:    c.breaker.failures(),
		LastFailure: c.breaker.lastFailure(),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	c.metrics.RecordTransportStatus(transportLabel, s == StatusConnected)
	open := 0
	if s == StatusCircuitOpen {
		open = 1
	}
	c.metrics.RecordCircuitBreakerState(transportLabel, open)
}

func (c *Client) recordFailure() {
	tripped, wait := c.breaker.fail()
	if !tripped {
		return
	}

	if c.Status() == StatusCircuitOpen {
		c.logger.Printf("Circuit breaker still open, backoff now %v", c.breaker.currentBackoff())
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.logger.Printf("Circuit breaker opened, retrying after %v", wait)
	time.AfterFunc(wait, c.halfOpen)
}

// halfOpen lets the next Connect through
func (c *Client) halfOpen() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) resetCircuit() {
	c.breaker.reset()
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.onDisconnected),
		nats.ReconnectHandler(c.onReconnected),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server. While the circuit is open it fails fast.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Printf("Connecting to NATS at %s", c.url)

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	opts := c.natsOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- dialed{conn, err}
	}()

	var conn *nats.Conn
	select {
	case d := <-done:
		if d.err != nil {
			return c.connectFailed(errors.WrapTransient(d.err, "Client", "Connect", "establish connection"))
		}
		conn = d.conn
	case <-ctx.Done():
		// A late dial result is closed rather than leaked
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return c.connectFailed(errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled"))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		c.logger.Debugf("JetStream unavailable: %v", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Printf("Connected to NATS at %s", conn.ConnectedUrlRedacted())

	if c.probeInterval > 0 {
		c.startProbe()
	}
	return nil
}

func (c *Client) connectFailed(err error) error {
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusDisconnected)
	return err
}

// Close drains the connection, bounded by ctx and the drain timeout. It is
// safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.stopProbing()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	var drainErr error
	if conn != nil {
		drainErr = c.drain(ctx, conn)
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	return drainErr
}

func (c *Client) drain(ctx context.Context, conn *nats.Conn) error {
	limit := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < limit {
			limit = remaining
		}
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Errorf("Drain error: %v", err)
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(limit):
		c.logger.Errorf("Drain timeout after %v, force closing", limit)
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", limit), "Client", "Close", "drain timeout")
	case <-ctx.Done():
		c.logger.Errorf("Context cancelled during drain, force closing")
		return errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}
}

// RTT measures the round trip to the server
func (c *Client) RTT() (time.Duration, error) {
	conn, err := c.connected()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// JetStream returns the JetStream context of the current connection
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(stderrors.New("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) connected() (*nats.Conn, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// listenAsyncErrors registers fn for errors the server reports out of band
func (c *Client) listenAsyncErrors(fn func(*nats.Subscription, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncErrs = append(c.asyncErrs, fn)
}

func (c *Client) onDisconnected(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Printf("Disconnected from NATS: %v", err)
	}
	c.setStatus(StatusReconnecting)
}

func (c *Client) onReconnected(_ *nats.Conn) {
	c.logger.Printf("Reconnected to NATS")
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.metrics.RecordTransportReconnect(transportLabel)
}

func (c *Client) onClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Errorf("NATS error: %v", err)

	c.mu.RLock()
	listeners := append([]func(*nats.Subscription, error){}, c.asyncErrs...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		fn(sub, err)
	}
}

// startProbe checks liveness with an RTT every probeInterval, catching
// stale connections the client library has not noticed yet.
func (c *Client) startProbe() {
	c.stopProbing()

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stopProbe = cancel
	c.mu.Unlock()

	c.probeGroup.Add(1)
	go func() {
		defer c.probeGroup.Done()
		ticker := time.NewTicker(c.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probe()
			}
		}
	}()
}

func (c *Client) probe() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	alive := conn.IsConnected()
	if alive {
		if _, err := conn.RTT(); err != nil {
			alive = false
		}
	}

	switch status := c.Status(); {
	case alive && status != StatusConnected:
		c.setStatus(StatusConnected)
	case !alive && status == StatusConnected:
		c.setStatus(StatusReconnecting)
	}
}

func (c *Client) stopProbing() {
	c.mu.Lock()
	cancel := c.stopProbe
	c.stopProbe = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.probeGroup.Wait()
	}
}
