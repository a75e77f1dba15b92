// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"convert-service/internal/config"
)

// ErrUnauthorized covers missing, malformed, expired or mis-signed tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a bearer token to a stable user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// JWTAuthenticator validates tokens signed either with a shared HS256 secret or with
// keys published at a JWKS URL. The user id is the sub claim.
type JWTAuthenticator struct {
	secret   []byte
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
	skew     time.Duration
}

// NewJWTAuthenticator prefers the JWKS URL when both key sources are configured.
func NewJWTAuthenticator(ctx context.Context, cfg config.AuthConfig) (*JWTAuthenticator, error) {
	if cfg.JWKSURL == "" {
		if cfg.JWTSecret == "" {
			return nil, errors.New("no JWT verification key configured")
		}
		return NewHMACAuthenticator([]byte(cfg.JWTSecret), cfg.Issuer, cfg.Audience), nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTAuthenticator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     30 * time.Second,
	}, nil
}

func NewHMACAuthenticator(secret []byte, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		skew:     30 * time.Second,
	}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(a.skew),
	}
	if a.cache != nil {
		keyset, err := a.cache.Get(ctx, a.jwksURL)
		if err != nil {
			return "", fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, a.secret))
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	userID := strings.TrimSpace(parsed.Subject())
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return userID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
