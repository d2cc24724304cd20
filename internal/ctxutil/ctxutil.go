// Package ctxutil provides shared context key accessors.
//
// The correlation id set by the HTTP layer is read by the agent pipeline and
// the model client, neither of which imports server.
package ctxutil

import "context"

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// WithCorrelationID returns a new context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation id, or "" when unset.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
