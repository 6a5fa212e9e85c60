package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_TraceCorrelation(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl := NewTestLogger()
	tl.Info(ctx, "traced")

	tl.AssertTraceCorrelation(t, "traced")
	tl.AssertField(t, "traced", "trace_id", "4bf92f3577b34da6a3ce929d0e0e4736")
	tl.AssertField(t, "traced", "trace_sampled", true)
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ModelIDFromContext(ctx))
	assert.Empty(t, LayerIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithRequestID(WithLayerID(WithModelID(ctx, "m1"), "l1"), "r1")
	assert.Equal(t, "m1", ModelIDFromContext(ctx))
	assert.Equal(t, "l1", LayerIDFromContext(ctx))
	assert.Equal(t, "r1", RequestIDFromContext(ctx))

	fields := ZapFields(ctx)
	assert.Len(t, fields, 3)
}

func TestFromContext(t *testing.T) {
	nop := FromContext(context.Background())
	assert.NotNil(t, nop)
	nop.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")

	assert.Equal(t, 1, tl.FilterMessage("from context").Len())
}
