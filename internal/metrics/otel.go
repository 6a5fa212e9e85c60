package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the OTEL scope for optimizer metrics.
const InstrumentationName = "github.com/fyrsmithlabs/weightopt/internal/metrics"

// OTelSink records optimizer outcomes through OpenTelemetry instruments.
// Layer IDs are kept off metric attributes to bound cardinality; they are
// available on spans and logs.
type OTelSink struct {
	transformTotal    metric.Int64Counter
	transformDuration metric.Float64Histogram
	relativeError     metric.Float64Histogram
	rankRatio         metric.Float64Histogram

	gatingTotal      metric.Int64Counter
	gatingSparsity   metric.Float64Histogram
	gatingCompliance metric.Float64Histogram
	gatingConfidence metric.Float64Histogram

	learningTotal metric.Int64Counter
	learningDelta metric.Float64Histogram
	signalTotal   metric.Int64Counter

	initialized bool
}

// NewOTelSink creates instruments on meter, or on the global meter when
// meter is nil.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	s := &OTelSink{}
	var err error

	if s.transformTotal, err = meter.Int64Counter(
		"weightopt.transform.total",
		metric.WithDescription("Low-rank transformations by outcome"),
		metric.WithUnit("{transformation}"),
	); err != nil {
		return nil, err
	}
	if s.transformDuration, err = meter.Float64Histogram(
		"weightopt.transform.duration.seconds",
		metric.WithDescription("Duration of computed transformations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}
	if s.relativeError, err = meter.Float64Histogram(
		"weightopt.transform.relative_error",
		metric.WithDescription("Relative Frobenius reconstruction error"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1e-6, 1e-4, 1e-3, 1e-2, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}
	if s.rankRatio, err = meter.Float64Histogram(
		"weightopt.transform.rank_ratio",
		metric.WithDescription("Retained rank over full rank"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 1.0),
	); err != nil {
		return nil, err
	}
	if s.gatingTotal, err = meter.Int64Counter(
		"weightopt.gating.decisions.total",
		metric.WithDescription("Gating decisions by strategy"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if s.gatingSparsity, err = meter.Float64Histogram(
		"weightopt.gating.sparsity",
		metric.WithDescription("Fraction of units gated off"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if s.gatingCompliance, err = meter.Float64Histogram(
		"weightopt.gating.compliance",
		metric.WithDescription("Compliance score per decision"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if s.gatingConfidence, err = meter.Float64Histogram(
		"weightopt.gating.confidence",
		metric.WithDescription("Confidence per decision"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if s.learningTotal, err = meter.Int64Counter(
		"weightopt.feedback.actions.total",
		metric.WithDescription("Parameter adjustments applied"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if s.learningDelta, err = meter.Float64Histogram(
		"weightopt.feedback.action.delta",
		metric.WithDescription("Signed parameter delta per action"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if s.signalTotal, err = meter.Int64Counter(
		"weightopt.feedback.signals.total",
		metric.WithDescription("Feedback signals submitted"),
		metric.WithUnit("{signal}"),
	); err != nil {
		return nil, err
	}

	s.initialized = true
	return s, nil
}

func (s *OTelSink) RecordTransformation(ctx context.Context, t TransformSummary) {
	if s == nil || !s.initialized {
		return
	}
	s.transformTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(t.Err, t.CacheHit))))
	if t.Err != nil || t.CacheHit {
		return
	}
	s.transformDuration.Record(ctx, t.Duration.Seconds())
	s.relativeError.Record(ctx, t.RelativeError)
	if t.FullRank > 0 {
		s.rankRatio.Record(ctx, float64(t.Rank)/float64(t.FullRank))
	}
}

func (s *OTelSink) RecordGating(ctx context.Context, g GatingSummary) {
	if s == nil || !s.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", g.Strategy),
		attribute.String("layer_type", g.LayerType),
	)
	s.gatingTotal.Add(ctx, 1, attrs, metric.WithAttributes(attribute.Bool("fallback", g.Fallback)))
	s.gatingSparsity.Record(ctx, g.Sparsity, attrs)
	s.gatingCompliance.Record(ctx, g.Compliance, attrs)
	s.gatingConfidence.Record(ctx, g.Confidence, attrs)
}

func (s *OTelSink) RecordLearningAction(ctx context.Context, l LearningSummary) {
	if s == nil || !s.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("component", l.Component),
		attribute.String("parameter", l.Parameter),
		attribute.String("source", l.Source),
	)
	s.learningTotal.Add(ctx, 1, attrs)
	s.learningDelta.Record(ctx, l.Delta, attrs)
}

func (s *OTelSink) RecordSignal(ctx context.Context, kind string, accepted bool) {
	if s == nil || !s.initialized {
		return
	}
	s.signalTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", signalStatus(accepted)),
	))
}
