package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/weightopt/internal/logging"
)

// StartSpan starts a span on the global tracer for scope. Model and layer
// IDs set on ctx through the logging package become span attributes, so
// spans and log lines share the same correlation keys. Explicit attrs win
// over the context values.
func StartSpan(ctx context.Context, scope, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var all []attribute.KeyValue
	if id := logging.ModelIDFromContext(ctx); id != "" {
		all = append(all, attribute.String("model.id", id))
	}
	if id := logging.LayerIDFromContext(ctx); id != "" {
		all = append(all, attribute.String("layer.id", id))
	}
	all = append(all, attrs...)
	return otel.Tracer(scope).Start(ctx, name, trace.WithAttributes(all...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordError adds err as an event on the recording span in ctx. Used for
// per-layer failures that do not fail the enclosing request.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err, trace.WithAttributes(attrs...))
	}
}
