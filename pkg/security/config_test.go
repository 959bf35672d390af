package security

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlist(t *testing.T) {
	a, err := NewAllowlist([]string{"10.0.0.0/8", "192.168.1.7", "fd00::/8"})
	require.NoError(t, err)
	require.True(t, a.Enabled())

	tests := []struct {
		host string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.1.2.3:5140", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"::ffff:10.0.0.1", true},
		{"[fd00::1]:514", true},
		{"172.16.0.1", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.AllowsHost(tt.host), tt.host)
	}
}

func TestAllowlist_EmptyAllowsAll(t *testing.T) {
	a, err := NewAllowlist(nil)
	require.NoError(t, err)
	assert.False(t, a.Enabled())
	assert.True(t, a.AllowsHost("garbage"))
	assert.True(t, (*Allowlist)(nil).Allows(netip.MustParseAddr("1.2.3.4")))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{AllowedCIDRs: []string{"10.0.0.0/33"}}.Validate())
	assert.Error(t, Config{TLS: TLSConfig{Server: ServerTLSConfig{Enabled: true}}}.Validate())
	assert.Error(t, Config{TLS: TLSConfig{Server: ServerTLSConfig{
		Enabled: true, CertFile: "c", KeyFile: "k",
		MTLS: ServerMTLSConfig{Enabled: true},
	}}}.Validate())
}
