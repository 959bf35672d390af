package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time,omitempty"`
	Backoff         time.Duration    `json:"backoff"`
	RTT             time.Duration    `json:"rtt,omitempty"`
}

// Client owns one NATS connection and its JetStream context. Failed connects
// feed a circuit breaker: after threshold consecutive failures the circuit
// opens and Connect fails fast until the backoff elapses.
type Client struct {
	url    string
	logger *slog.Logger

	status   atomic.Int32
	failures atomic.Int32

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Int64 // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	auth          Auth
	tls           TLSFiles
	clientName    string

	// JetStream stream polling
	metrics         *jetstreamMetrics
	metricsInterval time.Duration
	metricsCancel   context.CancelFunc

	onHealthChange func(bool)

	healthInterval time.Duration
	healthDone     chan struct{}

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

// NewClient creates a client for url, a comma-separated list of servers.
// Nothing is dialled until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "nats url")
	}
	c := &Client{
		url:              url,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		metricsInterval:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "natsclient")
	}

	c.setStatus(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
}

// IsHealthy returns true if the connection is healthy
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the number of failures since the last success
func (c *Client) Failures() int32 { return c.failures.Load() }

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration { return time.Duration(c.backoff.Load()) }

// Conn returns the underlying connection, nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) nextBackoff() time.Duration {
	cur := c.Backoff()
	next := min(cur*2, c.maxBackoff)
	c.backoff.Store(int64(next))
	return cur
}

// recordFailure counts a failed attempt and opens the circuit after
// circuitThreshold consecutive failures.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	n := c.circuitFailures.Add(1)
	if n < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	cur := c.Status()
	if cur == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", c.nextBackoff())
		return
	}
	if c.status.CompareAndSwap(int32(cur), int32(StatusCircuitOpen)) {
		wait := c.nextBackoff()
		c.logger.Warn("Circuit breaker opened", "failures", n, "backoff", wait)
		time.AfterFunc(wait, c.halfOpen)
	}
}

// halfOpen lets the next Connect through after the backoff.
func (c *Client) halfOpen() {
	c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	c.lastFailure.Store(time.Time{})
	c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected))
}

// WaitForConnection blocks until the client is connected or ctx ends.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	switch {
	case c.auth.Username != "":
		opts = append(opts, nats.UserInfo(c.auth.Username, c.auth.Password))
	case c.auth.Token != "":
		opts = append(opts, nats.Token(c.auth.Token))
	}
	if c.tls.CertFile != "" {
		opts = append(opts, nats.ClientCert(c.tls.CertFile, c.tls.KeyFile))
	}
	if c.tls.CAFile != "" {
		opts = append(opts, nats.RootCAs(c.tls.CAFile))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// GetStatus returns current status information
func (c *Client) GetStatus() Status {
	st := Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Backoff:         c.Backoff(),
	}
	if rtt, err := c.RTT(); err == nil {
		st.RTT = rtt
	}
	return st
}

// Connect dials the servers and opens the JetStream context. It fails fast
// with ErrCircuitOpen while the circuit is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(ErrNotConnected, "Client", "Connect", "client closed")
	}
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := c.connectionOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	var conn *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return c.failConnect(r.err, "establish connection")
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return c.failConnect(ctx.Err(), "connection cancelled")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return c.failConnect(err, "open jetstream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", conn.ConnectedUrlRedacted())

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.metrics != nil && c.metricsInterval > 0 {
		c.metricsCancel = c.metrics.startPoller(context.Background(), js, c.metricsInterval)
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

func (c *Client) failConnect(err error, action string) error {
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusDisconnected)
	return errors.WrapTransient(err, "Client", "Connect", action)
}

// Close drains the connection, bounded by the drain timeout or ctx.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stopHealthMonitoring()
	if c.metricsCancel != nil {
		c.metricsCancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.auth = Auth{}
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	timeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case derr := <-drained:
		if derr != nil {
			err = errors.Wrap(derr, "Client", "Close", "drain connection")
		}
	case <-time.After(timeout):
		err = errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout), "Client", "Close", "drain")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}
	conn.Close()
	return err
}

// RTT returns the round-trip time to the NATS server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Ping is a health check: it fails unless the connection answers a round
// trip within ctx.
func (c *Client) Ping(ctx context.Context) error {
	conn := c.Conn()
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(ErrNotConnected, "Client", "Ping", "check connection")
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Ping", "flush")
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	if c.onHealthChange != nil {
		go c.onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected", "url", conn.ConnectedUrlRedacted())
	if c.onHealthChange != nil {
		go c.onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if c.onHealthChange != nil && !c.closed.Load() {
		go c.onHealthChange(false)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}

// startHealthMonitoring polls RTT and reconciles the status with what the
// connection reports.
func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	done := make(chan struct{})
	c.healthDone = done
	interval := c.healthInterval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := c.IsHealthy()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			conn := c.Conn()
			if conn == nil {
				continue
			}
			healthy := conn.IsConnected()
			if healthy {
				if _, err := conn.RTT(); err != nil {
					healthy = false
				}
			}
			switch {
			case healthy && c.Status() != StatusConnected:
				c.setStatus(StatusConnected)
			case !healthy && c.Status() == StatusConnected:
				c.setStatus(StatusReconnecting)
			}
			if healthy != last && c.onHealthChange != nil {
				c.onHealthChange(healthy)
			}
			last = healthy
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}
