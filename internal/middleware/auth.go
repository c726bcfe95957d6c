package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/services/auth"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// KeyFromContext returns the authenticated key record, if any.
func KeyFromContext(ctx context.Context) (*auth.ApiKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(*auth.ApiKey)
	return key, ok
}

// Auth validates the bearer API key against the key cache. A nil cache
// disables authentication entirely.
func Auth(keys *auth.KeyCache, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys == nil {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing API key")
				return
			}

			key, err := keys.Authenticate(r.Context(), token)
			if err != nil {
				logger.Debug("api key rejected", zap.Error(err))
				unauthorized(w, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"` + message + `"}}`))
}
