package udp

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config configures the syslog listener.
type Config struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	// ReadBuffer is the requested SO_RCVBUF size in bytes.
	ReadBuffer int `json:"read_buffer"`
	Workers    int `json:"workers"`
	QueueSize  int `json:"queue_size"`
	// AppendTimeout bounds one stream append.
	AppendTimeout time.Duration `json:"append_timeout"`
}

// DefaultConfig listens on 0.0.0.0:5140.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Addr:          "0.0.0.0:5140",
		ReadBuffer:    2 * 1024 * 1024,
		Workers:       4,
		QueueSize:     4096,
		AppendTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return fmt.Errorf("udp.addr %q: %w", c.Addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("udp.addr %q: invalid port", c.Addr)
	}
	if host != "" && net.ParseIP(host) == nil && host != "localhost" {
		return fmt.Errorf("udp.addr %q: host must be an IP address", c.Addr)
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.ReadBuffer < 0 {
		return fmt.Errorf("udp workers, queue_size and read_buffer cannot be negative")
	}
	return nil
}
