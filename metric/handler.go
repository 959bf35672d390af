package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/security"
	"github.com/penguintechinc/killkrill-sub000/pkg/tlsutil"
)

// DefaultPath is where the exposition is served.
const DefaultPath = "/metrics"

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Server exposes the registry on its own listener. Worker processes, which
// run no ingestion API, use it for /metrics and /healthz.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	tls      security.ServerTLSConfig
	logger   *slog.Logger

	mu     sync.Mutex // protects server, ln and extra
	server *http.Server
	ln     net.Listener
	extra  map[string]http.Handler
	done   chan struct{}
}

// NewServer creates a metrics server
func NewServer(addr, path string, registry *MetricsRegistry, tlsCfg security.ServerTLSConfig, logger *slog.Logger) *Server {
	if path == "" {
		path = DefaultPath
	}
	if addr == "" {
		addr = ":9090"
	}
	if logger == nil {
		logger = slog.Default().With("component", "metrics-server")
	}
	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		tls:      tlsCfg,
		logger:   logger,
		extra:    make(map[string]http.Handler),
	}
}

// Handle adds a route served next to the exposition. It must be called
// before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extra[pattern] = h
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start",
			"cannot start server that is already running")
	}
	if s.registry == nil {
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s.registry.Handler())
	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.tls.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.tls)
		if err != nil {
			return errors.WrapFatal(err, "Server", "Start", "load TLS config")
		}
		srv.TLSConfig = tlsConfig
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.server = srv
	s.ln = ln
	s.done = make(chan struct{})
	go s.serve(srv, ln, s.done)

	s.logger.Info("Metrics server listening", "addr", ln.Addr().String(), "path", s.path, "tls", s.tls.Enabled)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)
	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server stopped", "error", err)
	}
}

// Stop shuts the server down, waiting up to timeout for open requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.ln = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	<-done
	return nil
}

// Addr returns the bound address, nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// URL returns the exposition URL of a running server.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	scheme := "http"
	if s.tls.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr.String(), s.path)
}
