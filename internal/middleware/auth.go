package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/trademesh/escrow/pkg/logger"
)

type contextKey string

const callerKey contextKey = "caller_id"

// CallerID returns the authenticated caller identity, or empty.
func CallerID(ctx context.Context) string {
	if id, ok := ctx.Value(callerKey).(string); ok {
		return id
	}
	return ""
}

// WithCallerID stamps a caller identity onto the context. Exposed for
// handler tests.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// Auth validates a static bearer token set and extracts the caller
// identity supplied by the external identity provider via the
// X-Caller-ID header. The engine performs no authentication logic of
// its own.
func Auth(tokens []string, log *logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := strings.TrimPrefix(raw, "Bearer ")
			if token == "" || !tokenAllowed(tokens, token) {
				log.WithField("path", r.URL.Path).Warn("request rejected: bad token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			caller := strings.TrimSpace(r.Header.Get("X-Caller-ID"))
			next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), caller)))
		})
	}
}

func tokenAllowed(tokens []string, candidate string) bool {
	for _, token := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}
