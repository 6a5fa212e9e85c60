package transform

import (
	"fmt"
	"math"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Decomposition is a thin singular value decomposition M = U·diag(S)·Vᵗ with
// S sorted in non-increasing order.
type Decomposition struct {
	U *mat.Dense
	S []float64
	V *mat.Dense
}

// DecomposeFunc factorizes a matrix. The default is SVD.
type DecomposeFunc func(m mat.Matrix) (*Decomposition, error)

// SVD computes the thin singular value decomposition of m.
func SVD(m mat.Matrix) (*Decomposition, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: singular value decomposition did not converge", errs.ErrInvalidInput)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	return &Decomposition{U: &u, S: svd.Values(nil), V: &v}, nil
}

// targetRank returns max(1, floor(f·min(rows, cols))).
func targetRank(rows, cols int, f float64) int {
	full := min(rows, cols)
	k := int(math.Floor(f * float64(full)))
	return max(1, min(k, full))
}

// numericalRank counts singular values above the usual
// max(rows, cols)·eps·S[0] cutoff.
func numericalRank(s []float64, rows, cols int) int {
	if len(s) == 0 || s[0] == 0 {
		return 0
	}
	cutoff := s[0] * float64(max(rows, cols)) * epsilon
	n := 0
	for _, v := range s {
		if v > cutoff {
			n++
		}
	}
	return n
}

const epsilon = 0x1p-52

// truncate builds the rank-k result from a full decomposition of m.
func truncate(m mat.Matrix, d *Decomposition, k int) (*Result, error) {
	rows, cols := m.Dims()
	if ur, uc := d.U.Dims(); ur != rows || uc < k {
		return nil, fmt.Errorf("%w: left factor is %dx%d, need %dx%d", errs.ErrShapeMismatch, ur, uc, rows, k)
	}
	if vr, vc := d.V.Dims(); vr != cols || vc < k {
		return nil, fmt.Errorf("%w: right factor is %dx%d, need %dx%d", errs.ErrShapeMismatch, vr, vc, cols, k)
	}
	if len(d.S) < k {
		return nil, fmt.Errorf("%w: %d singular values, need %d", errs.ErrShapeMismatch, len(d.S), k)
	}

	uk := mat.DenseCopyOf(d.U.Slice(0, rows, 0, k))
	vk := mat.DenseCopyOf(d.V.Slice(0, cols, 0, k))
	sk := append([]float64(nil), d.S[:k]...)

	var us mat.Dense
	us.Mul(uk, mat.NewDiagDense(k, sk))

	transformed := mat.NewDense(rows, cols, nil)
	transformed.Mul(&us, vk.T())

	var vt mat.Dense
	vt.CloneFrom(vk.T())

	numRank := numericalRank(d.S, rows, cols)

	res := &Result{
		Rows:        rows,
		Cols:        cols,
		Rank:        k,
		FullRank:    min(rows, cols),
		Transformed: transformed,
		U:           uk,
		S:           sk,
		Vt:          &vt,
		ColumnNorms: columnNorms(transformed),
		Stability: StabilityReport{
			ConditionNumber: conditionNumber(sk, numRank),
			LeftOrthoResid:  orthoResidual(uk),
			RightOrthoResid: orthoResidual(vk),
			RelativeError:   relativeError(m, transformed),
			NumericalRank:   numRank,
		},
	}
	res.CompressionRatio = float64(res.Rank) / float64(res.FullRank)
	return res, nil
}

// conditionNumber is S[0] over the smallest retained singular value that is
// still numerically non-zero.
func conditionNumber(sk []float64, numRank int) float64 {
	last := min(len(sk), numRank) - 1
	if last < 0 || sk[last] == 0 {
		return math.Inf(1)
	}
	return sk[0] / sk[last]
}

// orthoResidual returns ‖QᵗQ − I‖_F for a matrix with orthonormal columns.
func orthoResidual(q *mat.Dense) float64 {
	_, k := q.Dims()
	var g mat.Dense
	g.Mul(q.T(), q)
	for i := 0; i < k; i++ {
		g.Set(i, i, g.At(i, i)-1)
	}
	return mat.Norm(&g, 2)
}

func relativeError(original, approx mat.Matrix) float64 {
	var diff mat.Dense
	diff.Sub(original, approx)
	num := mat.Norm(&diff, 2)
	den := mat.Norm(original, 2)
	if den == 0 {
		if num == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return num / den
}

// ColumnNorms returns the Euclidean norm of each column of m.
func ColumnNorms(m mat.Matrix) []float64 {
	return columnNorms(m)
}

func columnNorms(m mat.Matrix) []float64 {
	_, cols := m.Dims()
	norms := make([]float64, cols)
	for j := 0; j < cols; j++ {
		norms[j] = floats.Norm(mat.Col(nil, j, m), 2)
	}
	return norms
}
