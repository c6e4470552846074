package util

import (
	"context"
	"strings"
)

type requestIDContextKey string

const (
	// RequestIDHeader is sent on every outbound call so client and server logs correlate.
	RequestIDHeader          = "X-Request-Id"
	requestIDCtxKey          = requestIDContextKey("request_id")
	defaultRequestIDFallback = ""
)

// WithRequestID returns a context carrying id (generated when blank) and a
// child logger that includes it. Existing ids are preserved.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		if existing := RequestIDFromContext(ctx); existing != "" {
			return ctx
		}
		id = NewID()
	}
	ctx = context.WithValue(ctx, requestIDCtxKey, id)
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With("request_id", id))
}

// EnsureRequestID returns ctx unchanged when it already has a request id.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestIDFromContext(ctx); id != "" {
		return ctx, id
	}
	ctx = WithRequestID(ctx, "")
	return ctx, RequestIDFromContext(ctx)
}

// RequestIDFromContext returns request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return defaultRequestIDFallback
	}
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}
