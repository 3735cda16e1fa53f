package jwt_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/jwt"
)

func newService(t *testing.T) *jwt.Service {
	t.Helper()
	svc, err := jwt.New([]byte("test-signing-key-32-bytes-long!!"))
	require.NoError(t, err)
	return svc
}

func TestService(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		svc := newService(t)

		token, err := svc.Generate(jwt.StandardClaims{
			Subject:   "user-123",
			Role:      "member",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)

		var claims jwt.StandardClaims
		require.NoError(t, svc.Parse(token, &claims))
		assert.Equal(t, "user-123", claims.Subject)
		assert.Equal(t, "member", claims.Role)
	})

	t.Run("rejects tampered payload", func(t *testing.T) {
		t.Parallel()
		svc := newService(t)
		token, err := svc.Generate(jwt.StandardClaims{Subject: "user-123"})
		require.NoError(t, err)

		tampered := token[:len(token)-2] + "xx"
		var claims jwt.StandardClaims
		assert.ErrorIs(t, svc.Parse(tampered, &claims), jwt.ErrInvalidToken)
	})

	t.Run("rejects token from another key", func(t *testing.T) {
		t.Parallel()
		other, err := jwt.New([]byte("another-key-entirely-32-bytes!!!"))
		require.NoError(t, err)
		token, err := other.Generate(jwt.StandardClaims{Subject: "user-123"})
		require.NoError(t, err)

		var claims jwt.StandardClaims
		assert.ErrorIs(t, newService(t).Parse(token, &claims), jwt.ErrInvalidToken)
	})

	t.Run("rejects expired token", func(t *testing.T) {
		t.Parallel()
		svc := newService(t)
		token, err := svc.Generate(jwt.StandardClaims{
			Subject:   "user-123",
			ExpiresAt: time.Now().Add(-time.Minute).Unix(),
		})
		require.NoError(t, err)

		var claims jwt.StandardClaims
		assert.ErrorIs(t, svc.Parse(token, &claims), jwt.ErrExpiredToken)
	})

	t.Run("empty key rejected", func(t *testing.T) {
		t.Parallel()
		_, err := jwt.New(nil)
		assert.ErrorIs(t, err, jwt.ErrMissingSigningKey)
	})
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	protected := jwt.Middleware(svc, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := jwt.ClaimsFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Subject", claims.Subject)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid bearer token passes", func(t *testing.T) {
		t.Parallel()
		token, err := svc.Generate(jwt.StandardClaims{Subject: "user-123"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-123", rec.Header().Get("X-Subject"))
	})

	t.Run("missing header is 401", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header is 401", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
