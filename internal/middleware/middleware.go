// Package middleware wires request-scoped concerns around the
// catch-all proxy handler: request-ID assignment, access logging
// (gorilla/handlers), and tracing span lifecycle — the same
// middleware-chaining idiom this proxy has always used on top of
// gorilla/mux, generalized off the per-origin-path tracer lookup its
// ancestor did (there is only one pipeline here, not one per origin
// type).
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/keepcache/keepcached/internal/tracing"
)

type ctxKey struct{}

var requestIDKey = ctxKey{}

// RequestID returns the ID assigned by the RequestID middleware, or
// "" if none is present (e.g. in a unit test that doesn't wire it).
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithRequestID is a mux.MiddlewareFunc that assigns a UUID-based
// request ID to every inbound request before the pipeline sees it.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog wraps next with combined-log-format access logging.
func AccessLog(out interface{ Write([]byte) (int, error) }) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(out, next)
	}
}

// Trace wraps next in a tracing span named stage.
func Trace(stage string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.SpanFromContext(r.Context(), stage)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
