package transform

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestVerifyInvariance_Identical(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	for _, tol := range []float64{1e-12, 1e-3, 0.5} {
		m := randomMatrix(rng, 9, 5)
		report, err := VerifyInvariance(m, m, tol)
		require.NoError(t, err)
		assert.Equal(t, 0.0, report.RelativeError)
		assert.Equal(t, 0.0, report.SpectralNormDiff)
		assert.Equal(t, 0.0, report.MaxElementDiff)
		assert.True(t, report.InvarianceMaintained)
	}
}

func TestVerifyInvariance_KnownDifference(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{3, 0, 0, 4})
	b := mat.NewDense(2, 2, []float64{3, 0, 0, 3})

	report, err := VerifyInvariance(a, b, 0.1)
	require.NoError(t, err)

	// ‖diff‖_F = 1, ‖a‖_F = 5
	assert.InDelta(t, 0.2, report.RelativeError, 1e-12)
	assert.InDelta(t, 1.0, report.SpectralNormDiff, 1e-12)
	assert.InDelta(t, 1.0, report.MaxElementDiff, 1e-12)
	assert.False(t, report.InvarianceMaintained)
}

func TestVerifyInvariance_ZeroOriginal(t *testing.T) {
	z := mat.NewDense(2, 3, nil)
	report, err := VerifyInvariance(z, z, 1e-3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.RelativeError)
	assert.True(t, report.InvarianceMaintained)

	nz := mat.NewDense(2, 3, []float64{0, 0, 1, 0, 0, 0})
	report, err = VerifyInvariance(z, nz, 1e-3)
	require.NoError(t, err)
	assert.True(t, math.IsInf(report.RelativeError, 1))
	assert.False(t, report.InvarianceMaintained)
}

func TestVerifyInvariance_Errors(t *testing.T) {
	a := mat.NewDense(2, 3, nil)
	b := mat.NewDense(3, 2, nil)

	_, err := VerifyInvariance(a, b, 1e-3)
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	_, err = VerifyInvariance(a, nil, 1e-3)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = VerifyInvariance(a, a, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	nan := mat.NewDense(2, 3, []float64{0, 0, math.NaN(), 0, 0, 0})
	_, err = VerifyInvariance(a, nan, 1e-3)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestTransformer_VerifyInvarianceDefaultTolerance(t *testing.T) {
	tr := newTestTransformer(t)
	a := mat.NewDense(1, 2, []float64{1, 1})

	report, err := tr.VerifyInvariance(a, a, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tolerance, report.Tolerance)
}

func TestColumnNorms(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{
		3, 0, 1,
		4, 0, 1,
	})
	norms := ColumnNorms(m)
	assert.InDelta(t, 5.0, norms[0], 1e-12)
	assert.InDelta(t, 0.0, norms[1], 1e-12)
	assert.InDelta(t, math.Sqrt2, norms[2], 1e-12)
}
