package transform

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// StabilityReport describes the numerical health of a truncated
// decomposition.
type StabilityReport struct {
	ConditionNumber float64
	LeftOrthoResid  float64 // ‖U_kᵗU_k − I‖_F
	RightOrthoResid float64 // ‖V_kᵗV_k − I‖_F
	RelativeError   float64 // ‖M − M'‖_F / ‖M‖_F
	NumericalRank   int
}

// Result is a rank-reduced approximation of one weight matrix. Results are
// shared through the cache and must be treated as read-only.
type Result struct {
	LayerID      string
	Rows, Cols   int
	RankFraction float64

	// Rank is the number of retained components; FullRank is min(Rows, Cols).
	Rank     int
	FullRank int

	CompressionRatio float64

	Transformed *mat.Dense // Rows × Cols
	U           *mat.Dense // Rows × Rank
	S           []float64  // Rank
	Vt          *mat.Dense // Rank × Cols

	// ColumnNorms are the Euclidean norms of Transformed's columns.
	ColumnNorms []float64

	Stability  StabilityReport
	Elapsed    time.Duration
	ComputedAt time.Time
}

// FactoredSize is the number of parameters in the factored form U_k·S_k·V_kᵗ
// when S_k is folded into one factor.
func (r *Result) FactoredSize() int {
	return r.Rank * (r.Rows + r.Cols)
}

// FLOPReduction estimates the fraction of multiply-adds saved by evaluating
// the factored form instead of the dense matrix, clamped at zero.
func (r *Result) FLOPReduction() float64 {
	dense := float64(r.Rows * r.Cols)
	if dense == 0 {
		return 0
	}
	red := 1 - float64(r.FactoredSize())/dense
	if red < 0 {
		return 0
	}
	return red
}

// InvarianceReport compares a matrix against its reconstruction.
type InvarianceReport struct {
	RelativeError        float64
	SpectralNormDiff     float64
	MaxElementDiff       float64
	Tolerance            float64
	InvarianceMaintained bool
}

// Stats are cumulative transformer counters.
type Stats struct {
	Computations int64
	CacheHits    int64
	CacheMisses  int64
	Failures     int64
	Entries      int
}
