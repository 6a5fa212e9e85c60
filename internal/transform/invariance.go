package transform

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"gonum.org/v1/gonum/mat"
)

// VerifyInvariance compares original against transformed. Shapes must match
// exactly; nothing is coerced.
func VerifyInvariance(original, transformed mat.Matrix, tolerance float64) (*InvarianceReport, error) {
	if original == nil || transformed == nil {
		return nil, fmt.Errorf("%w: nil matrix", errs.ErrInvalidInput)
	}
	if !(tolerance > 0) || math.IsInf(tolerance, 0) {
		return nil, fmt.Errorf("%w: tolerance must be positive and finite, got %v", errs.ErrInvalidInput, tolerance)
	}
	or, oc := original.Dims()
	tr, tc := transformed.Dims()
	if or != tr || oc != tc {
		return nil, fmt.Errorf("%w: original is %dx%d, transformed is %dx%d", errs.ErrShapeMismatch, or, oc, tr, tc)
	}
	if err := checkMatrix("original", original); err != nil {
		return nil, err
	}
	if err := checkMatrix("transformed", transformed); err != nil {
		return nil, err
	}

	var diff mat.Dense
	diff.Sub(original, transformed)

	maxDiff := 0.0
	for i := 0; i < or; i++ {
		for j := 0; j < oc; j++ {
			maxDiff = math.Max(maxDiff, math.Abs(diff.At(i, j)))
		}
	}

	report := &InvarianceReport{
		RelativeError:  relativeError(original, transformed),
		MaxElementDiff: maxDiff,
		Tolerance:      tolerance,
	}
	if maxDiff > 0 {
		report.SpectralNormDiff = spectralNorm(&diff)
	}
	report.InvarianceMaintained = report.RelativeError < tolerance
	return report, nil
}

// spectralNorm returns the largest singular value of m.
func spectralNorm(m mat.Matrix) float64 {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		return math.NaN()
	}
	return svd.Values(nil)[0]
}

// checkMatrix rejects empty matrices and non-finite entries.
func checkMatrix(name string, m mat.Matrix) error {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return fmt.Errorf("%w: %s is empty", errs.ErrInvalidInput, name)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if !errs.IsFinite(m.At(i, j)) {
				return fmt.Errorf("%w: %s[%d,%d] is not finite", errs.ErrInvalidInput, name, i, j)
			}
		}
	}
	return nil
}
