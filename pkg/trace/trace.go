package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

const HeaderName = "X-Trace-ID"

// GenerateTraceID 生成新的 trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext 取出 context 中的 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure context 中没有 trace_id 时生成一个
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateTraceID()
	return WithContext(ctx, id), id
}
