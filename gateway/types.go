package gateway

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
)

// Route names, used as the route label on request metrics.
const (
	RouteLogs        = "logs"
	RouteMetrics     = "metrics"
	RouteAggregates  = "aggregates"
	RouteFeed        = "aggregates_stream"
	RouteDeadLetters = "deadletters"
	RouteHealth      = "healthz"
	RouteProm        = "metrics_exposition"
)

// Route is one entry of the HTTP route table.
type Route struct {
	Name        string
	Method      string
	Path        string
	Description string
	// Auth marks routes behind the credential gate.
	Auth bool
}

// Pattern renders the route as a net/http ServeMux pattern.
func (r Route) Pattern() string {
	return r.Method + " " + r.Path
}

// Validate ensures the route is usable
func (r Route) Validate() error {
	if r.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Route", "Validate", "name cannot be empty")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Route", "Validate",
			fmt.Sprintf("path %q must start with /", r.Path))
	}
	switch r.Method {
	case "GET", "POST":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Route", "Validate",
			fmt.Sprintf("invalid HTTP method: %s", r.Method))
	}
	return nil
}

// Routes returns the route table in registration order.
func Routes() []Route {
	return []Route{
		{Name: RouteLogs, Method: "POST", Path: "/api/v1/logs", Auth: true, Description: "Submit log events"},
		{Name: RouteMetrics, Method: "POST", Path: "/api/v1/metrics", Auth: true, Description: "Submit metric samples"},
		{Name: RouteAggregates, Method: "GET", Path: "/api/v1/aggregates", Auth: true, Description: "Query aggregated windows"},
		{Name: RouteFeed, Method: "GET", Path: "/api/v1/aggregates/stream", Auth: true, Description: "Websocket feed of flushed windows"},
		{Name: RouteDeadLetters, Method: "GET", Path: "/api/v1/deadletters", Auth: true, Description: "List dead-lettered entries"},
		{Name: RouteHealth, Method: "GET", Path: "/healthz", Description: "Health checks"},
		{Name: RouteProm, Method: "GET", Path: "/metrics", Description: "Prometheus metrics"},
	}
}

// Limits
const (
	DefaultMaxRequestSize = 5 * 1024 * 1024
	MaxRequestSizeLimit   = 100 * 1024 * 1024
)

// Config holds the HTTP listener configuration
type Config struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`

	// MaxRequestSize limits request bodies in bytes.
	MaxRequestSize int64 `json:"max_request_size,omitempty"`

	ReadTimeout     time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout    time.Duration `json:"write_timeout,omitempty"`
	IdleTimeout     time.Duration `json:"idle_timeout,omitempty"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty"`

	// AppendRetries bounds the attempts at appending one event while the
	// stream reports capacity exceeded; afterwards the request gets 503.
	AppendRetries int `json:"append_retries,omitempty"`
	// RetryAfter is the hint sent with 503 responses.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// EnableCORS enables CORS headers; requires explicit cors_origins.
	EnableCORS  bool     `json:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// FeedBuffer is the per-connection queue of the websocket feed.
	FeedBuffer int `json:"feed_buffer,omitempty"`
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Addr:            ":8080",
		MaxRequestSize:  DefaultMaxRequestSize,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		AppendRetries:   3,
		RetryAfter:      time.Second,
		FeedBuffer:      256,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.AppendRetries == 0 {
		c.AppendRetries = d.AppendRetries
	}
	if c.RetryAfter == 0 {
		c.RetryAfter = d.RetryAfter
	}
	if c.FeedBuffer == 0 {
		c.FeedBuffer = d.FeedBuffer
	}
	return c
}

// Validate ensures the gateway configuration is valid
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", fmt.Sprintf("invalid addr %q", c.Addr))
	}
	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize > MaxRequestSizeLimit {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}
	if c.AppendRetries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"append_retries cannot be negative")
	}
	// CORS requires explicit origin configuration
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}
	return nil
}

// AllowsOrigin reports whether origin may use the API cross-site.
func (c Config) AllowsOrigin(origin string) bool {
	for _, o := range c.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
