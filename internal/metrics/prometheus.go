package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weightopt"

// PrometheusSink exposes optimizer outcomes as Prometheus collectors.
type PrometheusSink struct {
	transformations   *prometheus.CounterVec
	transformDuration prometheus.Histogram
	relativeError     prometheus.Histogram

	gatingDecisions  *prometheus.CounterVec
	gatingSparsity   *prometheus.HistogramVec
	gatingCompliance prometheus.Histogram

	learningActions *prometheus.CounterVec
	signals         *prometheus.CounterVec
}

// NewPrometheusSink registers collectors on reg. A nil reg uses the default
// registerer. Registering twice on the same registry panics, so callers
// create one sink per registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusSink{
		// Labels: outcome (computed, cache_hit, error)
		transformations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "total",
			Help:      "Total number of low-rank transformations by outcome",
		}, []string{"outcome"}),
		transformDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "duration_seconds",
			Help:      "Duration of computed transformations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		relativeError: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "relative_error",
			Help:      "Relative Frobenius reconstruction error",
			Buckets:   []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		// Labels: strategy, layer_type, fallback
		gatingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gating",
			Name:      "decisions_total",
			Help:      "Total number of gating decisions",
		}, []string{"strategy", "layer_type", "fallback"}),
		gatingSparsity: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gating",
			Name:      "sparsity_ratio",
			Help:      "Fraction of units gated off per decision",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"strategy"}),
		gatingCompliance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gating",
			Name:      "compliance_score",
			Help:      "Compliance score per decision",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		// Labels: component, parameter, source
		learningActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedback",
			Name:      "actions_total",
			Help:      "Total number of parameter adjustments applied",
		}, []string{"component", "parameter", "source"}),
		// Labels: kind, status (accepted, rejected)
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedback",
			Name:      "signals_total",
			Help:      "Total number of feedback signals submitted",
		}, []string{"kind", "status"}),
	}
}

func (p *PrometheusSink) RecordTransformation(_ context.Context, s TransformSummary) {
	p.transformations.WithLabelValues(outcome(s.Err, s.CacheHit)).Inc()
	if s.Err != nil || s.CacheHit {
		return
	}
	p.transformDuration.Observe(s.Duration.Seconds())
	p.relativeError.Observe(s.RelativeError)
}

func (p *PrometheusSink) RecordGating(_ context.Context, s GatingSummary) {
	p.gatingDecisions.WithLabelValues(s.Strategy, s.LayerType, strconv.FormatBool(s.Fallback)).Inc()
	p.gatingSparsity.WithLabelValues(s.Strategy).Observe(s.Sparsity)
	p.gatingCompliance.Observe(s.Compliance)
}

func (p *PrometheusSink) RecordLearningAction(_ context.Context, s LearningSummary) {
	p.learningActions.WithLabelValues(s.Component, s.Parameter, s.Source).Inc()
}

func (p *PrometheusSink) RecordSignal(_ context.Context, kind string, accepted bool) {
	p.signals.WithLabelValues(kind, signalStatus(accepted)).Inc()
}
