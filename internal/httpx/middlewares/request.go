package middlewares

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// contextKey is an unexported type for context keys in this package, so
// values cannot collide with other packages using the same string.
type contextKey string

// ContextKeyRequestID is the context key under which the request ID is
// stored for handlers and logs.
const ContextKeyRequestID contextKey = "x-request-id"

// AttachRequestMetadata copies chi's request ID into the request context
// under a typed key so downstream code (handlers, detached reconciler
// goroutines) can log it without depending on chi.
func AttachRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID extracts the request ID attached by AttachRequestMetadata;
// empty string when absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}
