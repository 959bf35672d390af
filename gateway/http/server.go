package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/penguintechinc/killkrill-sub000/aggregator"
	"github.com/penguintechinc/killkrill-sub000/component"
	"github.com/penguintechinc/killkrill-sub000/deadletter"
	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/event"
	"github.com/penguintechinc/killkrill-sub000/gateway"
	"github.com/penguintechinc/killkrill-sub000/health"
	"github.com/penguintechinc/killkrill-sub000/metric"
	"github.com/penguintechinc/killkrill-sub000/pkg/auth"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
	"github.com/penguintechinc/killkrill-sub000/pkg/ratelimit"
	"github.com/penguintechinc/killkrill-sub000/pkg/retry"
	"github.com/penguintechinc/killkrill-sub000/pkg/security"
	"github.com/penguintechinc/killkrill-sub000/pkg/tlsutil"
	"github.com/penguintechinc/killkrill-sub000/stream"
)

// Appender is the stream the gateway publishes to, normally a stream.Router.
type Appender interface {
	Append(ctx context.Context, ev event.Event) (stream.Position, error)
}

// Deps holds runtime dependencies
type Deps struct {
	Name   string
	Config gateway.Config
	TLS    security.ServerTLSConfig

	// Logs and Metrics receive events from the ingestion routes. A nil
	// appender disables its route.
	Logs    Appender
	Metrics Appender
	Limits  event.Limits

	Allowlist   *security.Allowlist     // optional
	Auth        *auth.Authenticator     // optional; nil accepts everyone
	Limiter     ratelimit.Limiter       // optional
	Aggregates  *aggregator.Store       // optional
	DeadLetters deadletter.Store        // optional
	Checker     *health.Checker         // optional
	Registry    *metric.MetricsRegistry // optional
	Clock       clock.Clock             // optional
	Logger      *slog.Logger            // optional
}

// Gateway is the HTTP receiver component.
type Gateway struct {
	name     string
	cfg      gateway.Config
	tls      security.ServerTLSConfig
	logs     Appender
	metricsS Appender
	limits   event.Limits

	allow       *security.Allowlist
	auth        *auth.Authenticator
	limiter     ratelimit.Limiter
	aggregates  *aggregator.Store
	deadLetters deadletter.Store
	checker     *health.Checker
	registry    *metric.MetricsRegistry
	metrics     *metric.Metrics
	clock       clock.Clock
	logger      *slog.Logger

	appendRetry retry.Config
	upgrader    websocket.Upgrader
	handler     http.Handler

	// Lifecycle state
	running  atomic.Bool
	server   *http.Server
	ln       net.Listener
	serveErr chan error
	stopping chan struct{}
	feeds    sync.WaitGroup

	// Protects startTime, lastActivity and lastError
	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time
	lastError    string

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesSent      atomic.Uint64
	eventsAccepted atomic.Uint64
	errorCount     atomic.Int64
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates the HTTP gateway
func New(deps Deps) (*Gateway, error) {
	cfg := deps.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "New", "config validation")
	}
	if deps.Logs == nil && deps.Metrics == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"at least one of the log and metric streams is required")
	}

	name := deps.Name
	if name == "" {
		name = "http-receiver"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "http-receiver")
	}
	authn := deps.Auth
	if authn == nil {
		var err error
		if authn, err = auth.New(auth.Config{}, deps.Clock); err != nil {
			return nil, err
		}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	limits := deps.Limits
	if limits == (event.Limits{}) {
		limits = event.DefaultLimits()
	}
	var coreMetrics *metric.Metrics
	if deps.Registry != nil {
		coreMetrics = deps.Registry.CoreMetrics()
	}

	appendRetry := retry.Quick()
	appendRetry.MaxAttempts = cfg.AppendRetries
	appendRetry.Retryable = func(err error) bool { return errors.Is(err, errors.ErrCapacityExceeded) }

	g := &Gateway{
		name:        name,
		cfg:         cfg,
		tls:         deps.TLS,
		logs:        deps.Logs,
		metricsS:    deps.Metrics,
		limits:      limits,
		allow:       deps.Allowlist,
		auth:        authn,
		limiter:     limiter,
		aggregates:  deps.Aggregates,
		deadLetters: deps.DeadLetters,
		checker:     deps.Checker,
		registry:    deps.Registry,
		metrics:     coreMetrics,
		clock:       clock.OrReal(deps.Clock),
		logger:      logger,
		appendRetry: appendRetry,
		stopping:    make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.handler = g.routes()
	return g, nil
}

// routes builds the mux from the route table.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	for _, route := range gateway.Routes() {
		var h http.Handler
		switch route.Name {
		case gateway.RouteLogs:
			if g.logs == nil {
				continue
			}
			h = g.ingestHandler(event.KindLog, event.ParseLogs, g.logs)
		case gateway.RouteMetrics:
			if g.metricsS == nil {
				continue
			}
			h = g.ingestHandler(event.KindMetric, event.ParseMetrics, g.metricsS)
		case gateway.RouteAggregates:
			h = g.guard(http.HandlerFunc(g.handleAggregates), nil)
		case gateway.RouteFeed:
			h = g.guard(http.HandlerFunc(g.handleFeed), nil)
		case gateway.RouteDeadLetters:
			h = g.guard(http.HandlerFunc(g.handleDeadLetters), nil)
		case gateway.RouteHealth:
			h = http.HandlerFunc(g.handleHealth)
		case gateway.RouteProm:
			if g.registry == nil {
				continue
			}
			h = g.registry.Handler()
		default:
			continue
		}
		mux.Handle(route.Pattern(), g.instrument(route, h))
	}
	return mux
}

// Name returns the component name
func (g *Gateway) Name() string { return g.name }

// Handler returns the routed handler
func (g *Gateway) Handler() http.Handler { return g.handler }

// Initialize checks that the TLS material loads.
func (g *Gateway) Initialize() error {
	if !g.tls.Enabled {
		return nil
	}
	if _, err := tlsutil.LoadServerTLSConfig(g.tls); err != nil {
		return errors.WrapFatal(err, "Gateway", "Initialize", "load TLS config")
	}
	return nil
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	if g.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "gateway already running")
	}

	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       g.cfg.ReadTimeout,
		WriteTimeout:      g.cfg.WriteTimeout,
		IdleTimeout:       g.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	if g.tls.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(g.tls)
		if err != nil {
			return errors.WrapFatal(err, "Gateway", "Start", "load TLS config")
		}
		srv.TLSConfig = tlsConfig
	}

	var ln net.Listener
	err := retry.Do(ctx, retry.Quick(), func() error {
		var err error
		ln, err = net.Listen("tcp", g.cfg.Addr)
		return err
	})
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", fmt.Sprintf("listen on %s", g.cfg.Addr))
	}

	g.mu.Lock()
	g.server = srv
	g.ln = ln
	g.serveErr = make(chan error, 1)
	g.stopping = make(chan struct{})
	g.startTime = g.clock.Now()
	g.lastError = ""
	g.mu.Unlock()
	g.running.Store(true)

	go func(errc chan<- error) {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			g.recordFailure(err)
			g.logger.Error("HTTP server stopped", "error", err)
			g.running.Store(false)
		}
		errc <- err
	}(g.serveErr)

	g.logger.Info("HTTP receiver listening", "addr", ln.Addr().String(), "tls", g.tls.Enabled)
	return nil
}

// Stop drains open requests and closes websocket feeds within timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	if !g.running.Swap(false) {
		return nil
	}
	g.mu.Lock()
	srv, stopping := g.server, g.stopping
	g.server, g.ln = nil, nil
	g.mu.Unlock()

	close(stopping)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	feedsDone := make(chan struct{})
	go func() {
		g.feeds.Wait()
		close(feedsDone)
	}()
	select {
	case <-feedsDone:
	case <-ctx.Done():
	}
	if err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown HTTP server")
	}
	g.logger.Info("HTTP receiver stopped", "requests", g.requestsTotal.Load(), "events", g.eventsAccepted.Load())
	return nil
}

// Addr returns the bound listener address
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// Health returns the current health status
func (g *Gateway) Health() component.HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	running := g.running.Load()
	var uptime time.Duration
	if running {
		uptime = g.clock.Now().Sub(g.startTime)
	}
	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  g.clock.Now(),
		ErrorCount: int(g.errorCount.Load()),
		LastError:  g.lastError,
		Uptime:     uptime,
	}
}

// DataFlow returns request throughput since start
func (g *Gateway) DataFlow() component.FlowMetrics {
	g.mu.RLock()
	start, last := g.startTime, g.lastActivity
	g.mu.RUnlock()

	var uptime time.Duration
	if !start.IsZero() {
		uptime = g.clock.Now().Sub(start)
	}
	return component.Rates(
		int64(g.requestsTotal.Load()),
		int64(g.bytesReceived.Load()),
		int64(g.requestsFailed.Load()),
		uptime, last)
}

func (g *Gateway) recordFailure(err error) {
	g.errorCount.Add(1)
	g.mu.Lock()
	g.lastError = err.Error()
	g.mu.Unlock()
	g.metrics.RecordError(g.name, errors.Classify(err).String())
}
