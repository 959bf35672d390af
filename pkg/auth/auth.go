// Package auth authenticates ingestion requests by API key or HS256 bearer
// token.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/penguintechinc/killkrill-sub000/errors"
	"github.com/penguintechinc/killkrill-sub000/pkg/cache"
	"github.com/penguintechinc/killkrill-sub000/pkg/clock"
)

// Methods
const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
	MethodNone   = "none"
)

// APIKeyHeader carries API keys.
const APIKeyHeader = "X-API-Key"

// APIKey is a configured key. Only its bcrypt hash is kept.
type APIKey struct {
	Name        string   `json:"name"`
	Hash        string   `json:"hash"`
	Permissions []string `json:"permissions,omitempty"`
}

// Config configures authentication. With Enabled false every request is
// accepted as anonymous.
type Config struct {
	Enabled   bool     `json:"enabled"`
	JWTSecret string   `json:"jwt_secret"`
	Issuer    string   `json:"issuer,omitempty"`
	APIKeys   []APIKey `json:"api_keys,omitempty"`
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWTSecret == "" && len(c.APIKeys) == 0 {
		return fmt.Errorf("auth enabled without jwt_secret or api_keys")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	for i, k := range c.APIKeys {
		if k.Name == "" {
			return fmt.Errorf("api_keys[%d].name is required", i)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return fmt.Errorf("api_keys[%d].hash is not a bcrypt hash: %w", i, err)
		}
	}
	return nil
}

// Principal is an authenticated caller.
type Principal struct {
	Method      string   `json:"method"`
	Subject     string   `json:"subject"`
	Permissions []string `json:"permissions,omitempty"`
}

// Can reports whether the principal holds perm. "*" grants everything.
func (p Principal) Can(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm || have == "*" {
			return true
		}
	}
	return false
}

// Claims is the bearer token payload.
type Claims struct {
	UserID      string   `json:"user_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwtlib.RegisteredClaims
}

// Authenticator checks request credentials.
type Authenticator struct {
	cfg   Config
	clock clock.Clock

	// verified maps sha256(key) to the matching key index, or -1 for a key
	// that matched nothing.
	verified *cache.LRU[int]
}

const (
	verifiedCacheSize = 4096
	verifiedCacheTTL  = 10 * time.Minute
)

// New creates an authenticator
func New(cfg Config, clk clock.Clock) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Authenticator", "New", "validate config")
	}
	clk = clock.OrReal(clk)
	verified, err := cache.NewLRU(verifiedCacheSize,
		cache.WithTTL[int](verifiedCacheTTL), cache.WithClock[int](clk))
	if err != nil {
		return nil, err
	}
	return &Authenticator{cfg: cfg, clock: clk, verified: verified}, nil
}

// Enabled reports whether credentials are required
func (a *Authenticator) Enabled() bool { return a.cfg.Enabled }

// Authenticate checks the X-API-Key header first, then an
// "Authorization: Bearer" token. Failures wrap errors.ErrUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	if !a.cfg.Enabled {
		return Principal{Method: MethodNone, Subject: "anonymous", Permissions: []string{"*"}}, nil
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return a.checkAPIKey(key)
	}
	token, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Principal{}, err
	}
	return a.checkToken(token)
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: credentials required", errors.ErrUnauthorized)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", errors.ErrUnauthorized)
	}
	return strings.TrimSpace(token), nil
}

func (a *Authenticator) checkAPIKey(key string) (Principal, error) {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	idx, ok := a.verified.Get(digest)
	if !ok {
		idx = -1
		for i, k := range a.cfg.APIKeys {
			if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(key)) == nil {
				idx = i
				break
			}
		}
		a.verified.Set(digest, idx)
	}
	if idx < 0 {
		return Principal{}, fmt.Errorf("%w: unknown api key", errors.ErrUnauthorized)
	}
	k := a.cfg.APIKeys[idx]
	return Principal{Method: MethodAPIKey, Subject: k.Name, Permissions: k.Permissions}, nil
}

func (a *Authenticator) checkToken(token string) (Principal, error) {
	if a.cfg.JWTSecret == "" {
		return Principal{}, fmt.Errorf("%w: bearer tokens are not accepted", errors.ErrUnauthorized)
	}
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithTimeFunc(a.clock.Now),
		jwtlib.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.cfg.Issuer))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(*jwtlib.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", errors.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token claims", errors.ErrUnauthorized)
	}
	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	return Principal{Method: MethodJWT, Subject: subject, Permissions: claims.Permissions}, nil
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, issuer, subject string, permissions []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		UserID:      subject,
		Permissions: permissions,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
