package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/specgate/specgate/internal/domain/apikey"
	"github.com/specgate/specgate/internal/service"
)

type apiKeyCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// Auth returns middleware that validates API key credentials via the
// X-API-Key header, or ?token= for the WebSocket endpoint. When enabled is
// false all requests pass through.
func Auth(keys *service.APIKeyService, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get("X-API-Key")

			// Browsers cannot set headers on WebSocket upgrades.
			if token == "" && r.URL.Path == "/ws" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				if auth := r.Header.Get("Authorization"); auth != "" {
					token = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if token == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			key, err := keys.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyCtxKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFromContext returns the API key used for authentication, or nil when
// auth is disabled.
func KeyFromContext(ctx context.Context) *apikey.Key {
	k, _ := ctx.Value(apiKeyCtxKey{}).(*apikey.Key)
	return k
}
