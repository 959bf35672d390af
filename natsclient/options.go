package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/metric"
)

// ClientOption configures a Client. An option that returns an error fails
// NewClient.
type ClientOption func(*Client) error

// Auth selects how the client authenticates. Username wins over Token when
// both are set.
type Auth struct {
	Username string
	Password string
	Token    string
}

// TLSFiles locates client TLS material. CertFile and KeyFile go together.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// WithName sets the client name shown in server monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithReconnect bounds automatic reconnection: max attempts (-1 retries
// forever) and the wait between them. A zero wait keeps the default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithTimeouts sets the dial timeout and how long Close drains. Zero keeps
// a default.
func WithTimeouts(dial, drain time.Duration) ClientOption {
	return func(c *Client) error {
		if dial > 0 {
			c.timeout = dial
		}
		if drain > 0 {
			c.drainTimeout = drain
		}
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive connect
// failures, backing off up to maxBackoff.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "natsclient", "WithCircuitBreaker",
				"threshold must be at least 1")
		}
		c.circuitThreshold = threshold
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
		return nil
	}
}

// WithAuth sets credentials. The zero Auth is anonymous.
func WithAuth(a Auth) ClientOption {
	return func(c *Client) error {
		c.auth = a
		return nil
	}
}

// WithTLS sets client TLS files.
func WithTLS(files TLSFiles) ClientOption {
	return func(c *Client) error {
		if (files.CertFile == "") != (files.KeyFile == "") {
			return fmt.Errorf("tls requires both cert_file and key_file")
		}
		c.tls = files
		return nil
	}
}

// WithHealthMonitor polls the connection every interval and calls onChange
// when it flips. A zero interval disables polling; onChange may be nil.
func WithHealthMonitor(interval time.Duration, onChange func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.healthInterval = interval
		c.onHealthChange = onChange
		return nil
	}
}

// WithMetrics polls the state of JetStream streams whose subjects start with
// subjectPrefix and exports it to registry every interval. A zero interval
// uses 30s.
func WithMetrics(registry *metric.MetricsRegistry, subjectPrefix string, interval time.Duration) ClientOption {
	return func(c *Client) error {
		m, err := newJetStreamMetrics(registry, subjectPrefix)
		if err != nil {
			return err
		}
		c.metrics = m
		if interval > 0 {
			c.metricsInterval = interval
		}
		return nil
	}
}
