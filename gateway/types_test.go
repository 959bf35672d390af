package gateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/gateway"
)

func TestRoutes(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range gateway.Routes() {
		require.NoError(t, r.Validate(), r.Name)
		assert.False(t, seen[r.Pattern()], "duplicate %s", r.Pattern())
		seen[r.Pattern()] = true
	}
	assert.True(t, seen["POST /api/v1/logs"])
	assert.True(t, seen["GET /healthz"])
}

func TestRoute_Validate(t *testing.T) {
	tests := []struct {
		name    string
		route   gateway.Route
		wantErr bool
	}{
		{"valid", gateway.Route{Name: "x", Method: "GET", Path: "/x"}, false},
		{"no name", gateway.Route{Method: "GET", Path: "/x"}, true},
		{"relative path", gateway.Route{Name: "x", Method: "GET", Path: "x"}, true},
		{"bad method", gateway.Route{Name: "x", Method: "BREW", Path: "/x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, pkgerrors.IsInvalid(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*gateway.Config)
		wantErr bool
	}{
		{"defaults", func(*gateway.Config) {}, false},
		{"bad addr", func(c *gateway.Config) { c.Addr = "8080" }, true},
		{"negative size", func(c *gateway.Config) { c.MaxRequestSize = -1 }, true},
		{"huge size", func(c *gateway.Config) { c.MaxRequestSize = 200 * 1024 * 1024 }, true},
		{"cors without origins", func(c *gateway.Config) { c.EnableCORS = true }, true},
		{"cors with origins", func(c *gateway.Config) {
			c.EnableCORS = true
			c.CORSOrigins = []string{"https://ops.example.com"}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := gateway.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := gateway.Config{Addr: "127.0.0.1:9000", RetryAfter: 3 * time.Second}.WithDefaults()
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, 3*time.Second, cfg.RetryAfter)
	assert.Equal(t, int64(gateway.DefaultMaxRequestSize), cfg.MaxRequestSize)
	assert.Equal(t, 3, cfg.AppendRetries)
}

func TestConfig_AllowsOrigin(t *testing.T) {
	cfg := gateway.Config{CORSOrigins: []string{"https://a.example.com"}}
	assert.True(t, cfg.AllowsOrigin("https://a.example.com"))
	assert.False(t, cfg.AllowsOrigin("https://b.example.com"))
	assert.True(t, gateway.Config{CORSOrigins: []string{"*"}}.AllowsOrigin("anything"))
}
