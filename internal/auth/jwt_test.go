package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convert-service/internal/config"
)

var testSecret = []byte("test-signing-secret-at-least-32-bytes")

func signToken(t *testing.T, secret []byte, claims map[string]any) string {
	t.Helper()

	token := jwt.New()
	for k, v := range claims {
		require.NoError(t, token.Set(k, v))
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
	require.NoError(t, err)
	return string(signed)
}

func validClaims(sub string) map[string]any {
	return map[string]any{
		jwt.SubjectKey:    sub,
		jwt.AudienceKey:   "authenticated",
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	}
}

func TestJWTAuthenticator_HMAC(t *testing.T) {
	a := NewHMACAuthenticator(testSecret, "", "authenticated")
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		userID, err := a.Authenticate(ctx, signToken(t, testSecret, validClaims("user-123")))
		require.NoError(t, err)
		assert.Equal(t, "user-123", userID)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, []byte("another-secret-another-secret-xx"), validClaims("user-123"))
		_, err := a.Authenticate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		claims := validClaims("user-123")
		claims[jwt.ExpirationKey] = time.Now().Add(-time.Hour)
		_, err := a.Authenticate(ctx, signToken(t, testSecret, claims))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := validClaims("user-123")
		claims[jwt.AudienceKey] = "anon"
		_, err := a.Authenticate(ctx, signToken(t, testSecret, claims))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("no subject", func(t *testing.T) {
		claims := validClaims("")
		delete(claims, jwt.SubjectKey)
		_, err := a.Authenticate(ctx, signToken(t, testSecret, claims))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Authenticate(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestNewJWTAuthenticator_FromConfig(t *testing.T) {
	_, err := NewJWTAuthenticator(context.Background(), config.AuthConfig{})
	assert.Error(t, err)

	a, err := NewJWTAuthenticator(context.Background(), config.AuthConfig{
		JWTSecret: string(testSecret),
		Issuer:    "https://example.supabase.co/auth/v1",
	})
	require.NoError(t, err)

	claims := validClaims("user-9")
	claims[jwt.IssuerKey] = "https://example.supabase.co/auth/v1"
	userID, err := a.Authenticate(context.Background(), signToken(t, testSecret, claims))
	require.NoError(t, err)
	assert.Equal(t, "user-9", userID)

	claims[jwt.IssuerKey] = "https://evil.example"
	_, err = a.Authenticate(context.Background(), signToken(t, testSecret, claims))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "abc", true},
		{"Basic dXNlcg==", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/convert", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(req)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}
