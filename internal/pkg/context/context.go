package context

import (
	"context"
)

type key int

const (
	messageIDKey key = iota
	attemptKey
)

// WithMessageID stores the broker message identity. Outbound calls forward it
// as X-Request-ID.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey, id)
}

func GetMessageID(ctx context.Context) string {
	if val, ok := ctx.Value(messageIDKey).(string); ok {
		return val
	}
	return ""
}

func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

func GetAttempt(ctx context.Context) int {
	if val, ok := ctx.Value(attemptKey).(int); ok {
		return val
	}
	return 0
}
