package jwt

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{ name string }

var claimsKey = contextKey{"jwt_claims"}

// ClaimsFromContext returns the claims injected by Middleware.
func ClaimsFromContext(ctx context.Context) (StandardClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(StandardClaims)
	return claims, ok
}

// SetClaims injects claims into the context. Exported for tests that build
// requests without running the middleware.
func SetClaims(ctx context.Context, claims StandardClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// Middleware validates "Authorization: Bearer <token>" headers and injects
// the parsed claims into the request context. Requests without a valid
// token receive 401 from the provided onError handler, or a plain 401 when
// onError is nil.
func Middleware(service *Service, onError http.HandlerFunc) func(next http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				onError(w, r)
				return
			}

			var claims StandardClaims
			if err := service.Parse(token, &claims); err != nil {
				onError(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrInvalidToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}
