package optimizer

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/feedback"
	"github.com/fyrsmithlabs/weightopt/internal/transform"
	"gonum.org/v1/gonum/mat"
)

// Layer is one named weight matrix of a model.
type Layer struct {
	ID      string
	Weights mat.Matrix
}

// WeightSource supplies model layers. An empty filter means every layer.
type WeightSource interface {
	Layers(ctx context.Context, modelID string, filter []string) ([]Layer, error)
}

// AccuracyEstimator estimates how much accuracy a layer keeps after
// transformation, in [0,1].
type AccuracyEstimator interface {
	EstimateAccuracy(ctx context.Context, layer Layer, result *transform.Result) (float64, error)
}

// ReconstructionAccuracy estimates accuracy as 1 − relative reconstruction
// error.
type ReconstructionAccuracy struct{}

func (ReconstructionAccuracy) EstimateAccuracy(_ context.Context, _ Layer, r *transform.Result) (float64, error) {
	return clamp01(1 - r.Stability.RelativeError), nil
}

// LayerResult is the outcome for one layer. Err is set when the layer
// failed; the other layers are unaffected.
type LayerResult struct {
	LayerID       string
	Result        *transform.Result
	FLOPReduction float64
	Accuracy      float64
	Err           error
}

// Result is the outcome of one Optimize call.
type Result struct {
	ID           string
	ModelID      string
	RankFraction float64
	Layers       []LayerResult

	Succeeded int
	Failed    int

	// FLOPReduction is 1 − Σ factored size / Σ dense size over successful
	// layers, clamped at zero.
	FLOPReduction float64
	// AccuracyPreservation is the size-weighted mean layer accuracy.
	AccuracyPreservation float64
	// CompressionRatio is the mean retained-rank ratio.
	CompressionRatio float64

	CacheHit   bool
	Elapsed    time.Duration
	ComputedAt time.Time
}

// LayerInvariance is the invariance check of one layer.
type LayerInvariance struct {
	LayerID         string
	Matrix          *transform.InvarianceReport
	MaxOutputError  float64
	OutputInvariant bool
	Err             error
}

// InvarianceSummary is the outcome of VerifyInvariance.
type InvarianceSummary struct {
	ModelID       string
	Tolerance     float64
	Layers        []LayerInvariance
	AllMaintained bool
}

// PerformanceSummary aggregates coordinator activity.
type PerformanceSummary struct {
	Optimizations     int64
	CacheHits         int64
	LayerFailures     int64
	GatingDecisions   int64
	MeanCompression   float64
	MeanFLOPReduction float64

	Transformer  transform.Stats
	GatingLayers int
	Learner      *feedback.Stats
	Phase        feedback.Phase
}
