package gating

import (
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"gonum.org/v1/gonum/mat"
)

// ApplyMask returns a copy of values with inactive positions zeroed.
func ApplyMask(values []float64, d *Decision) ([]float64, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil decision", errs.ErrInvalidInput)
	}
	if len(values) != d.Size() {
		return nil, fmt.Errorf("%w: %d values, decision covers %d units", errs.ErrShapeMismatch, len(values), d.Size())
	}
	out := append([]float64(nil), values...)
	for _, i := range d.Inactive {
		if i < 0 || i >= len(out) {
			return nil, fmt.Errorf("%w: inactive index %d out of range", errs.ErrInvalidInput, i)
		}
		out[i] = 0
	}
	return out, nil
}

// ApplyMaskColumns returns a copy of m with the columns of inactive units
// zeroed.
func ApplyMaskColumns(m mat.Matrix, d *Decision) (*mat.Dense, error) {
	if m == nil || d == nil {
		return nil, fmt.Errorf("%w: nil matrix or decision", errs.ErrInvalidInput)
	}
	rows, cols := m.Dims()
	if cols != d.Size() {
		return nil, fmt.Errorf("%w: matrix has %d columns, decision covers %d units", errs.ErrShapeMismatch, cols, d.Size())
	}
	out := mat.DenseCopyOf(m)
	for _, j := range d.Inactive {
		if j < 0 || j >= cols {
			return nil, fmt.Errorf("%w: inactive index %d out of range", errs.ErrInvalidInput, j)
		}
		for i := 0; i < rows; i++ {
			out.Set(i, j, 0)
		}
	}
	return out, nil
}
