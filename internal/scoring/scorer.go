// Package scoring computes per-unit importance scores for gating.
package scoring

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
)

// Score returns |hidden[i]|·columnNorms[i] for every unit.
func Score(hidden, columnNorms []float64) ([]float64, error) {
	if len(hidden) != len(columnNorms) {
		return nil, fmt.Errorf("%w: hidden state has %d units, column norms %d", errs.ErrShapeMismatch, len(hidden), len(columnNorms))
	}
	if len(hidden) == 0 {
		return nil, fmt.Errorf("%w: hidden state is empty", errs.ErrInvalidInput)
	}
	if err := errs.CheckFinite("hidden", hidden); err != nil {
		return nil, err
	}
	if err := errs.CheckFinite("column_norms", columnNorms); err != nil {
		return nil, err
	}

	scores := make([]float64, len(hidden))
	for i, h := range hidden {
		scores[i] = math.Abs(h) * columnNorms[i]
		if !errs.IsFinite(scores[i]) {
			return nil, fmt.Errorf("%w: score[%d] overflowed", errs.ErrInvalidInput, i)
		}
	}
	return scores, nil
}

// Suppress returns a copy of scores with every score below
// fraction·max(scores) set to zero. A fraction of zero returns an
// unchanged copy.
func Suppress(scores []float64, fraction float64) ([]float64, error) {
	if !(fraction >= 0 && fraction <= 1) {
		return nil, fmt.Errorf("%w: suppression fraction must be in [0,1], got %v", errs.ErrInvalidInput, fraction)
	}
	out := append([]float64(nil), scores...)
	if fraction == 0 || len(out) == 0 {
		return out, nil
	}
	cut := fraction * floats.Max(out)
	for i, s := range out {
		if s < cut {
			out[i] = 0
		}
	}
	return out, nil
}
