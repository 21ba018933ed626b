// Package logging carries a per-request id through the dispatch pipeline so
// a fallback chain's log lines can be tied back to one client request.
package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

var requestIDKey contextKey

// GenerateRequestID creates a fresh request id.
func GenerateRequestID() string {
	return "req-" + uuid.New().String()[:8]
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id from the context, or "" when absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
