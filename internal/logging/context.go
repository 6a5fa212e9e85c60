// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	modelKey ctxKey = iota
	layerKey
	requestKey
	loggerKey
)

// correlation keys in the order they are emitted.
var correlation = []struct {
	key   ctxKey
	field string
}{
	{modelKey, "model.id"},
	{layerKey, "layer.id"},
	{requestKey, "request.id"},
}

// ContextFields returns trace and optimization correlation fields set on ctx.
func ContextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.Stringer("trace_id", sc.TraceID()),
			zap.Stringer("span_id", sc.SpanID()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, c := range correlation {
		if v := stringValue(ctx, c.key); v != "" {
			fields = append(fields, zap.String(c.field, v))
		}
	}
	return fields
}

// ZapFields prepends the ContextFields of ctx to fields, for components that
// log through a plain *zap.Logger.
func ZapFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	return append(ContextFields(ctx), fields...)
}

func stringValue(ctx context.Context, k ctxKey) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// WithModelID tags ctx with the model being optimized.
func WithModelID(ctx context.Context, modelID string) context.Context {
	return context.WithValue(ctx, modelKey, modelID)
}

func ModelIDFromContext(ctx context.Context) string { return stringValue(ctx, modelKey) }

// WithLayerID tags ctx with the qualified layer being transformed or gated.
func WithLayerID(ctx context.Context, layerID string) context.Context {
	return context.WithValue(ctx, layerKey, layerID)
}

func LayerIDFromContext(ctx context.Context) string { return stringValue(ctx, layerKey) }

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestKey) }

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the Logger stored by WithLogger, or a nop Logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
