// Package metrics records optimizer outcomes to Prometheus and OpenTelemetry.
package metrics

import (
	"context"
	"time"
)

// TransformSummary describes one low-rank transformation.
type TransformSummary struct {
	LayerID       string
	Rank          int
	FullRank      int
	RelativeError float64
	CacheHit      bool
	Duration      time.Duration
	Err           error
}

// GatingSummary describes one gating decision.
type GatingSummary struct {
	LayerID    string
	LayerType  string
	Strategy   string
	Sparsity   float64
	Compliance float64
	Confidence float64
	Fallback   bool
	Duration   time.Duration
}

// LearningSummary describes one parameter adjustment applied by the
// feedback learner.
type LearningSummary struct {
	Component string
	Parameter string
	Source    string // signal kind or "pattern"
	Phase     string
	Delta     float64
}

// Sink receives optimizer outcomes. Implementations must be safe for
// concurrent use and must not block.
type Sink interface {
	RecordTransformation(ctx context.Context, s TransformSummary)
	RecordGating(ctx context.Context, s GatingSummary)
	RecordLearningAction(ctx context.Context, s LearningSummary)
	RecordSignal(ctx context.Context, kind string, accepted bool)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordTransformation(context.Context, TransformSummary) {}
func (NopSink) RecordGating(context.Context, GatingSummary)            {}
func (NopSink) RecordLearningAction(context.Context, LearningSummary)  {}
func (NopSink) RecordSignal(context.Context, string, bool)             {}

type multiSink []Sink

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return NopSink{}
	}
	return out
}

func (m multiSink) RecordTransformation(ctx context.Context, s TransformSummary) {
	for _, sink := range m {
		sink.RecordTransformation(ctx, s)
	}
}

func (m multiSink) RecordGating(ctx context.Context, s GatingSummary) {
	for _, sink := range m {
		sink.RecordGating(ctx, s)
	}
}

func (m multiSink) RecordLearningAction(ctx context.Context, s LearningSummary) {
	for _, sink := range m {
		sink.RecordLearningAction(ctx, s)
	}
}

func (m multiSink) RecordSignal(ctx context.Context, kind string, accepted bool) {
	for _, sink := range m {
		sink.RecordSignal(ctx, kind, accepted)
	}
}

func outcome(err error, cacheHit bool) string {
	switch {
	case err != nil:
		return "error"
	case cacheHit:
		return "cache_hit"
	default:
		return "computed"
	}
}

func signalStatus(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}
