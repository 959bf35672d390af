// Package security holds the TLS and network access settings shared by the
// receivers and the metrics endpoint.
package security

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Config holds security configuration
type Config struct {
	TLS TLSConfig `json:"tls,omitempty"`
	// AllowedCIDRs restricts which source addresses may submit events. Empty
	// allows every source.
	AllowedCIDRs []string `json:"allowed_cidrs,omitempty"`
}

// Validate checks TLS file settings and CIDR syntax.
func (c Config) Validate() error {
	if _, err := NewAllowlist(c.AllowedCIDRs); err != nil {
		return err
	}
	s := c.TLS.Server
	if s.Enabled && (s.CertFile == "" || s.KeyFile == "") {
		return fmt.Errorf("tls.server requires cert_file and key_file")
	}
	if s.MTLS.Enabled && len(s.MTLS.ClientCAFiles) == 0 {
		return fmt.Errorf("tls.server.mtls requires client_ca_files")
	}
	return nil
}

// TLSConfig holds server and client TLS settings.
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty"`
}

// ServerMTLSConfig controls client certificate validation.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig configures TLS for the HTTP receiver.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	MTLS ServerMTLSConfig `json:"mtls,omitempty"`
}

// ClientMTLSConfig provides a client certificate.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ClientTLSConfig configures outbound connections to sinks. CAFiles are
// trusted in addition to the system pool.
type ClientTLSConfig struct {
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`

	MTLS ClientMTLSConfig `json:"mtls,omitempty"`
}

// Allowlist matches source addresses against a set of prefixes. A nil or
// empty Allowlist allows everything.
type Allowlist struct {
	prefixes []netip.Prefix
}

// NewAllowlist parses CIDRs. A bare address is treated as a single-host
// prefix.
func NewAllowlist(cidrs []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("allowed_cidrs: %q: %w", c, err)
			}
			a.prefixes = append(a.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("allowed_cidrs: %q: %w", c, err)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	return a, nil
}

// Enabled reports whether any prefix is configured.
func (a *Allowlist) Enabled() bool { return a != nil && len(a.prefixes) > 0 }

// Allows reports whether addr falls inside a configured prefix.
func (a *Allowlist) Allows(addr netip.Addr) bool {
	if !a.Enabled() {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowsHost parses "ip" or "ip:port" and checks it. Unparseable input is
// rejected when the allowlist is enabled.
func (a *Allowlist) AllowsHost(hostport string) bool {
	if !a.Enabled() {
		return true
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return a.Allows(addr)
}
