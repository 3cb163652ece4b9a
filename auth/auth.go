// Package auth verifies caller bearer tokens with OIDC ID tokens or JWT
// access tokens checked against the issuer's JWKS.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	oidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")

	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// TokenType selects how tokens are verified.
type TokenType string

const (
	TokenID     TokenType = "id"
	TokenAccess TokenType = "access"
)

// Config configures issuer-based verification.
type Config struct {
	Issuer   string
	Audience string
	// TokenType is "id" for OIDC ID tokens or "access" for JWT access tokens. Default "access".
	TokenType TokenType
	// JWKSRefresh is the key set refresh interval for access tokens. Default 1h.
	JWKSRefresh time.Duration
}

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, raw string) error
}

// OIDCVerifier verifies OIDC ID tokens.
type OIDCVerifier struct {
	v *oidc.IDTokenVerifier
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) error {
	if _, err := v.v.Verify(ctx, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return nil
}

// JWKSVerifier verifies signed access tokens with a key function, usually
// backed by a JWKS.
type JWKSVerifier struct {
	Keyfunc  jwt.Keyfunc
	Issuer   string
	Audience string

	jwks *keyfunc.JWKS
}

func (v *JWKSVerifier) Verify(_ context.Context, raw string) error {
	var opts []jwt.ParserOption
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	tok, err := jwt.Parse(raw, v.Keyfunc, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}

// Close stops the background JWKS refresh, if any.
func (v *JWKSVerifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// New discovers the issuer and returns a verifier for cfg.TokenType.
func New(ctx context.Context, cfg Config) (Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	prov, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	if cfg.TokenType == TokenID {
		return &OIDCVerifier{v: prov.Verifier(&oidc.Config{ClientID: cfg.Audience})}, nil
	}

	var disc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := prov.Claims(&disc); err != nil || disc.JWKSURI == "" {
		return nil, fmt.Errorf("failed to discover jwks_uri: %v", err)
	}
	refresh := cfg.JWKSRefresh
	if refresh <= 0 {
		refresh = time.Hour
	}
	jwks, err := keyfunc.Get(disc.JWKSURI, keyfunc.Options{
		RefreshInterval: refresh,
		RefreshTimeout:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return &JWKSVerifier{Keyfunc: jwks.Keyfunc, Issuer: cfg.Issuer, Audience: cfg.Audience, jwks: jwks}, nil
}

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter for browser WebSocket clients that cannot
// set headers.
func BearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return "", ErrMissingToken
		}
		if raw := strings.TrimSpace(h[len("Bearer "):]); raw != "" {
			return raw, nil
		}
		return "", ErrMissingToken
	}
	if raw := r.URL.Query().Get("token"); raw != "" {
		return raw, nil
	}
	return "", ErrMissingToken
}

// Middleware rejects requests without a valid bearer token with 401. A nil
// verifier disables the check.
func Middleware(v Verifier, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := BearerToken(r)
		if err != nil {
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		if err := v.Verify(r.Context(), raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether origin may connect. An empty allow-list or
// a "*" entry admits every origin.
func OriginAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// CORS sets cross-origin headers for allowed origins and answers preflight requests.
func CORS(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && OriginAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
