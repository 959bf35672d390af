package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

const secret = "0123456789abcdef0123456789abcdef"

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func cheapHash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New(Config{
		Enabled:   true,
		JWTSecret: secret,
		Issuer:    "killkrill",
		APIKeys: []APIKey{
			{Name: "collector", Hash: cheapHash(t, "kk_live_collector"), Permissions: []string{"ingest"}},
			{Name: "ops", Hash: cheapHash(t, "kk_live_ops"), Permissions: []string{"*"}},
		},
	}, clock.Fake(now))
	require.NoError(t, err)
	return a
}

func request(header, value string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader("{}"))
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestAuthenticate_APIKey(t *testing.T) {
	a := newAuth(t)

	for i := 0; i < 2; i++ { // second pass hits the verified cache
		p, err := a.Authenticate(request(APIKeyHeader, "kk_live_collector"))
		require.NoError(t, err)
		assert.Equal(t, Principal{Method: MethodAPIKey, Subject: "collector", Permissions: []string{"ingest"}}, p)
	}

	_, err := a.Authenticate(request(APIKeyHeader, "kk_live_nope"))
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.Equal(t, int64(1), a.verified.Stats().Hits)
}

func TestAuthenticate_RejectedKeyCached(t *testing.T) {
	clk := clock.Fake(now)
	a, err := New(Config{
		Enabled: true,
		APIKeys: []APIKey{{Name: "collector", Hash: cheapHash(t, "kk_live_collector")}},
	}, clk)
	require.NoError(t, err)

	for range 3 {
		_, err := a.Authenticate(request(APIKeyHeader, "kk_live_guess"))
		assert.ErrorIs(t, err, errors.ErrUnauthorized)
	}
	stats := a.verified.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, 1, stats.Size)

	clk.Advance(verifiedCacheTTL)
	_, err = a.Authenticate(request(APIKeyHeader, "kk_live_guess"))
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	assert.Equal(t, int64(1), a.verified.Stats().Expired)
}

func TestAuthenticate_Bearer(t *testing.T) {
	a := newAuth(t)
	token, err := IssueToken(secret, "killkrill", "alice", []string{"deadletters:read"}, time.Hour, now.Add(-time.Minute))
	require.NoError(t, err)

	p, err := a.Authenticate(request("Authorization", "Bearer "+token))
	require.NoError(t, err)
	assert.Equal(t, MethodJWT, p.Method)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.Can("deadletters:read"))
	assert.False(t, p.Can("ingest"))
}

func TestAuthenticate_Rejections(t *testing.T) {
	a := newAuth(t)
	expired, err := IssueToken(secret, "killkrill", "bob", nil, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(secret, "someone-else", "bob", nil, time.Hour, now)
	require.NoError(t, err)
	wrongSecret, err := IssueToken(strings.Repeat("x", 32), "killkrill", "bob", nil, time.Hour, now)
	require.NoError(t, err)
	noExpiry, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "bob", Issuer: "killkrill"},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"missing", "", ""},
		{"basic scheme", "Authorization", "Basic Ym9iOnB3"},
		{"empty bearer", "Authorization", "Bearer "},
		{"garbage token", "Authorization", "Bearer not.a.jwt"},
		{"expired", "Authorization", "Bearer " + expired},
		{"wrong issuer", "Authorization", "Bearer " + wrongIssuer},
		{"wrong secret", "Authorization", "Bearer " + wrongSecret},
		{"no expiry", "Authorization", "Bearer " + noExpiry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(request(tt.header, tt.value))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrUnauthorized))
		})
	}
}

func TestAuthenticate_Disabled(t *testing.T) {
	a, err := New(Config{}, nil)
	require.NoError(t, err)
	p, err := a.Authenticate(request("", ""))
	require.NoError(t, err)
	assert.Equal(t, MethodNone, p.Method)
	assert.True(t, p.Can("anything"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, JWTSecret: "short"}.Validate())
	assert.Error(t, Config{Enabled: true, APIKeys: []APIKey{{Name: "k", Hash: "plain"}}}.Validate())
	assert.Error(t, Config{Enabled: true, APIKeys: []APIKey{{Hash: cheapHash(t, "x")}}}.Validate())
}

func TestHashAPIKey(t *testing.T) {
	h, err := HashAPIKey("kk_live_x")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("kk_live_x")))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	ctx := WithPrincipal(context.Background(), Principal{Subject: "alice"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Subject)
}
