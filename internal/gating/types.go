package gating

import (
	"strings"
	"time"
)

// LayerType groups layers for performance-impact weighting.
type LayerType string

const (
	LayerAttention   LayerType = "attention"
	LayerFeedForward LayerType = "feed_forward"
	LayerOther       LayerType = "other"
)

// ClassifyLayer infers the layer type from its name.
func ClassifyLayer(layerID string) LayerType {
	name := strings.ToLower(layerID)
	switch {
	case strings.Contains(name, "attention"), strings.Contains(name, "attn"):
		return LayerAttention
	case strings.Contains(name, "mlp"), strings.Contains(name, "ffn"), strings.Contains(name, "feed_forward"):
		return LayerFeedForward
	default:
		return LayerOther
	}
}

// Parameters are the tunable values the feedback learner adjusts.
type Parameters struct {
	Threshold      float64
	TargetSparsity float64
}

// Decision is the outcome of one gating call. Active and Inactive are sorted
// and together partition 0..n-1.
type Decision struct {
	ID        string
	LayerID   string
	LayerType LayerType

	Active   []int
	Inactive []int

	Threshold float64
	Sparsity  float64

	// Requested is the strategy the caller asked for; Strategy is the one
	// that produced the selection (they differ for HybridDynamic).
	Requested Strategy
	Strategy  Strategy

	ComplianceScore   float64
	PerformanceImpact float64
	Confidence        float64
	AdaptationFactor  float64
	FallbackApplied   bool

	Latency   time.Duration
	Timestamp time.Time
}

// Size returns the number of units the decision covers.
func (d *Decision) Size() int {
	return len(d.Active) + len(d.Inactive)
}

// LayerStats summarizes the retained decision history of one layer.
type LayerStats struct {
	LayerID        string
	TotalDecisions int64
	Retained       int
	MeanSparsity   float64
	MeanCompliance float64
	MeanConfidence float64
	Fallbacks      int
	StrategyUsage  map[string]int
}
