package transform

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/fyrsmithlabs/weightopt/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

// lowRankMatrix returns B·C + noise with B rows×rank and C rank×cols.
func lowRankMatrix(rng *rand.Rand, rows, cols, rank int, noise float64) *mat.Dense {
	var m mat.Dense
	m.Mul(randomMatrix(rng, rows, rank), randomMatrix(rng, rank, cols))
	if noise > 0 {
		m.Apply(func(_, _ int, v float64) float64 { return v + noise*rng.NormFloat64() }, &m)
	}
	return &m
}

func newTestTransformer(t *testing.T, opts ...Option) *Transformer {
	t.Helper()
	tr, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	return tr
}

func TestTransform_NearFullRankReconstruction(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m := lowRankMatrix(rng, 256, 512, 200, 1e-9)

	tr := newTestTransformer(t)
	res, err := tr.Transform(context.Background(), m, "encoder.0.ffn", 0.8)
	require.NoError(t, err)

	assert.Equal(t, 204, res.Rank)
	assert.Equal(t, 256, res.FullRank)
	assert.InDelta(t, 0.8, res.CompressionRatio, 0.01)
	assert.Less(t, res.Stability.RelativeError, 1e-3)
	assert.False(t, math.IsInf(res.Stability.ConditionNumber, 0))

	r, c := res.Transformed.Dims()
	assert.Equal(t, 256, r)
	assert.Equal(t, 512, c)
	ur, uc := res.U.Dims()
	assert.Equal(t, []int{256, 204}, []int{ur, uc})
	vr, vc := res.Vt.Dims()
	assert.Equal(t, []int{204, 512}, []int{vr, vc})
	assert.Len(t, res.S, 204)
	assert.Len(t, res.ColumnNorms, 512)
}

func TestTransform_ShapePreserved(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	tr := newTestTransformer(t)

	shapes := [][2]int{{1, 1}, {1, 7}, {7, 1}, {5, 5}, {12, 4}, {4, 12}}
	fractions := []float64{0.01, 0.3, 0.5, 1.0}

	for _, shape := range shapes {
		for _, f := range fractions {
			m := randomMatrix(rng, shape[0], shape[1])
			res, err := tr.Transform(context.Background(), m, "layer", f)
			require.NoError(t, err)

			r, c := res.Transformed.Dims()
			assert.Equal(t, shape[0], r)
			assert.Equal(t, shape[1], c)
			assert.GreaterOrEqual(t, res.Rank, 1)
			assert.LessOrEqual(t, res.Rank, min(shape[0], shape[1]))
		}
	}
}

func TestTransform_CompressionMonotonic(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	m := randomMatrix(rng, 20, 30)
	tr := newTestTransformer(t)

	prev := math.Inf(1)
	for f := 1.0; f > 0.04; f -= 0.05 {
		res, err := tr.Transform(context.Background(), m, "fc", f)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.CompressionRatio, prev, "fraction %v", f)
		prev = res.CompressionRatio
	}
}

func TestTransform_FullRankIsExact(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	m := randomMatrix(rng, 16, 10)

	res, err := newTestTransformer(t).Transform(context.Background(), m, "fc", 1.0)
	require.NoError(t, err)

	assert.Equal(t, 1.0, res.CompressionRatio)
	assert.Less(t, res.Stability.RelativeError, 1e-12)
	assert.Less(t, res.Stability.LeftOrthoResid, 1e-10)
	assert.Less(t, res.Stability.RightOrthoResid, 1e-10)
	assert.Equal(t, 10, res.Stability.NumericalRank)
	assert.Equal(t, 0.0, res.FLOPReduction())
}

func TestTransform_FLOPReduction(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	m := randomMatrix(rng, 100, 100)

	res, err := newTestTransformer(t).Transform(context.Background(), m, "fc", 0.1)
	require.NoError(t, err)

	// k=10: 1 - 10*200/10000
	assert.InDelta(t, 0.8, res.FLOPReduction(), 1e-12)
	assert.Equal(t, 2000, res.FactoredSize())
}

func TestTransform_InvalidInput(t *testing.T) {
	tr := newTestTransformer(t)
	ctx := context.Background()

	_, err := tr.Transform(ctx, nil, "fc", 0.5)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	good := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	for _, f := range []float64{0, -0.1, 1.5, math.NaN()} {
		_, err = tr.Transform(ctx, good, "fc", f)
		assert.ErrorIs(t, err, errs.ErrInvalidInput, "fraction %v", f)
	}

	bad := mat.NewDense(2, 2, []float64{1, math.NaN(), 3, 4})
	_, err = tr.Transform(ctx, bad, "fc", 0.5)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	inf := mat.NewDense(1, 2, []float64{math.Inf(1), 0})
	_, err = tr.Transform(ctx, inf, "fc", 0.5)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestTransform_ZeroMatrixIsRankDegenerate(t *testing.T) {
	tr := newTestTransformer(t)

	_, err := tr.Transform(context.Background(), mat.NewDense(3, 4, nil), "fc", 0.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRankDegenerate)
	assert.Equal(t, 0, tr.Stats().Entries)
	assert.Equal(t, int64(1), tr.Stats().Failures)
}

func TestTransform_CacheHitAndForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	m := randomMatrix(rng, 8, 8)
	tr := newTestTransformer(t)
	ctx := context.Background()

	first, err := tr.Transform(ctx, m, "fc", 0.5)
	require.NoError(t, err)
	second, err := tr.Transform(ctx, m, "fc", 0.5)
	require.NoError(t, err)
	assert.Same(t, first, second)

	forced, err := tr.Transform(ctx, m, "fc", 0.5, WithForceRecompute())
	require.NoError(t, err)
	assert.NotSame(t, first, forced)

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.Computations)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.Entries)

	cached, ok := tr.Cached("fc", 8, 8, 0.5)
	require.True(t, ok)
	assert.Same(t, forced, cached)

	tr.ClearCache()
	_, ok = tr.Cached("fc", 8, 8, 0.5)
	assert.False(t, ok)
}

func TestTransform_CacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheEnabled = false
	tr, err := New(cfg)
	require.NoError(t, err)

	m := randomMatrix(rand.New(rand.NewPCG(1, 1)), 4, 4)
	_, err = tr.Transform(context.Background(), m, "fc", 0.5)
	require.NoError(t, err)
	_, err = tr.Transform(context.Background(), m, "fc", 0.5)
	require.NoError(t, err)

	assert.Equal(t, int64(2), tr.Stats().Computations)
	assert.Equal(t, 0, tr.Stats().Entries)
}

func TestTransform_CacheEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCacheEntries = 2
	tr, err := New(cfg)
	require.NoError(t, err)

	m := randomMatrix(rand.New(rand.NewPCG(2, 2)), 4, 4)
	for _, layer := range []string{"a", "b", "c"} {
		_, err := tr.Transform(context.Background(), m, layer, 0.5)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, tr.Stats().Entries)
	_, ok := tr.Cached("a", 4, 4, 0.5)
	assert.False(t, ok)
	_, ok = tr.Cached("c", 4, 4, 0.5)
	assert.True(t, ok)
}

// gatedDecomposer counts calls and blocks each one until release is closed.
type gatedDecomposer struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedDecomposer() *gatedDecomposer {
	return &gatedDecomposer{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDecomposer) decompose(m mat.Matrix) (*Decomposition, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	<-g.release
	return SVD(m)
}

func TestTransform_ConcurrentIdenticalKeysComputeOnce(t *testing.T) {
	gate := newGatedDecomposer()
	tr := newTestTransformer(t, WithDecomposer(gate.decompose))
	m := randomMatrix(rand.New(rand.NewPCG(13, 14)), 32, 24)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errsOut := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errsOut[i] = tr.Transform(context.Background(), m, "attn.q", 0.5)
		}(i)
	}

	<-gate.started
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	require.NoError(t, errsOut[0])
	require.NoError(t, errsOut[1])
	assert.Equal(t, int64(1), gate.calls.Load())
	assert.Equal(t, int64(1), tr.Stats().Computations)
	assert.Same(t, results[0], results[1])
}

func TestTransform_CancellationCachesNothing(t *testing.T) {
	gate := newGatedDecomposer()
	tr := newTestTransformer(t, WithDecomposer(gate.decompose))
	m := randomMatrix(rand.New(rand.NewPCG(15, 16)), 8, 8)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Transform(ctx, m, "fc", 0.5)
		errCh <- err
	}()

	<-gate.started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("transform did not return after cancellation")
	}

	close(gate.release)
	// Let the abandoned decomposition finish.
	time.Sleep(20 * time.Millisecond)

	_, ok := tr.Cached("fc", 8, 8, 0.5)
	assert.False(t, ok)

	res, err := tr.Transform(context.Background(), m, "fc", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rank)
	assert.Equal(t, int64(2), gate.calls.Load())
}

func TestTransform_DecomposerFailureIsWrapped(t *testing.T) {
	boom := errors.New("lapack exploded")
	tr := newTestTransformer(t, WithDecomposer(func(mat.Matrix) (*Decomposition, error) {
		return nil, boom
	}))

	_, err := tr.Transform(context.Background(), mat.NewDense(2, 2, []float64{1, 0, 0, 1}), "fc", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCacheComputation)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tr.Stats().Entries)
}

func TestTransform_RecordsSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.InstallGlobal(t)

	m := randomMatrix(rand.New(rand.NewPCG(17, 18)), 6, 6)
	_, err := newTestTransformer(t).Transform(context.Background(), m, "encoder.1.attn", 0.5)
	require.NoError(t, err)

	tel.AssertSpanExists(t, "transform.Transform")
	tel.AssertSpanAttribute(t, "transform.Transform", "layer.id", "encoder.1.attn")
	tel.AssertSpanAttribute(t, "transform.Transform", "matrix.rows", int64(6))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero fraction", func(c *Config) { c.RankFraction = 0 }, true},
		{"fraction above one", func(c *Config) { c.RankFraction = 1.01 }, true},
		{"zero tolerance", func(c *Config) { c.Tolerance = 0 }, true},
		{"negative rank tolerance", func(c *Config) { c.RankTolerance = -1 }, true},
		{"negative cache size", func(c *Config) { c.MaxCacheEntries = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
