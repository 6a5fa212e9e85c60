package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	ctx := context.Background()

	sink.RecordTransformation(ctx, TransformSummary{LayerID: "fc1", Rank: 8, FullRank: 16, RelativeError: 0.01, Duration: time.Millisecond})
	sink.RecordTransformation(ctx, TransformSummary{LayerID: "fc1", CacheHit: true})
	sink.RecordTransformation(ctx, TransformSummary{LayerID: "fc2", Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.transformations.WithLabelValues("computed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.transformations.WithLabelValues("cache_hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.transformations.WithLabelValues("error")))

	sink.RecordGating(ctx, GatingSummary{Strategy: "top_k", LayerType: "attention", Sparsity: 0.5, Compliance: 0.9})
	sink.RecordGating(ctx, GatingSummary{Strategy: "top_k", LayerType: "attention", Sparsity: 0.5, Fallback: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.gatingDecisions.WithLabelValues("top_k", "attention", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.gatingDecisions.WithLabelValues("top_k", "attention", "true")))

	sink.RecordLearningAction(ctx, LearningSummary{Component: "gating_engine", Parameter: "gating_threshold", Source: "efficiency_gain", Delta: 0.01})
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.learningActions.WithLabelValues("gating_engine", "gating_threshold", "efficiency_gain")))

	sink.RecordSignal(ctx, "error", true)
	sink.RecordSignal(ctx, "error", false)
	sink.RecordSignal(ctx, "error", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.signals.WithLabelValues("error", "rejected")))

	count, err := testutil.GatherAndCount(reg, "weightopt_transform_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusSink_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusSink(prometheus.NewRegistry())
		NewPrometheusSink(prometheus.NewRegistry())
	})
}

func TestOTelSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sink, err := NewOTelSink(mp.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	sink.RecordTransformation(ctx, TransformSummary{Rank: 4, FullRank: 8, RelativeError: 0.1, Duration: time.Millisecond})
	sink.RecordTransformation(ctx, TransformSummary{CacheHit: true})
	sink.RecordGating(ctx, GatingSummary{Strategy: "threshold", LayerType: "other", Sparsity: 0.3})
	sink.RecordLearningAction(ctx, LearningSummary{Component: "gating_engine", Parameter: "target_sparsity", Source: "pattern", Delta: -0.02})
	sink.RecordSignal(ctx, "compliance", true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), sums["weightopt.transform.total"])
	assert.Equal(t, int64(1), sums["weightopt.gating.decisions.total"])
	assert.Equal(t, int64(1), sums["weightopt.feedback.actions.total"])
	assert.Equal(t, int64(1), sums["weightopt.feedback.signals.total"])
}

func TestNilOTelSink(t *testing.T) {
	var sink *OTelSink
	assert.NotPanics(t, func() {
		sink.RecordTransformation(context.Background(), TransformSummary{})
		sink.RecordGating(context.Background(), GatingSummary{})
		sink.RecordLearningAction(context.Background(), LearningSummary{})
		sink.RecordSignal(context.Background(), "error", true)
	})
}

type countingSink struct {
	NopSink
	transforms int
}

func (c *countingSink) RecordTransformation(context.Context, TransformSummary) { c.transforms++ }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	sink := Multi(a, nil, b)
	sink.RecordTransformation(context.Background(), TransformSummary{})
	sink.RecordGating(context.Background(), GatingSummary{})

	assert.Equal(t, 1, a.transforms)
	assert.Equal(t, 1, b.transforms)
	assert.IsType(t, NopSink{}, Multi(nil))
}
