package gating

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Seed = 7
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func oneToTen() []float64 {
	s := make([]float64, 10)
	for i := range s {
		s[i] = float64(i + 1)
	}
	return s
}

func assertPartition(t *testing.T, d *Decision, n int) {
	t.Helper()
	require.NotEmpty(t, d.Active, "active set must never be empty")
	assert.True(t, sort.IntsAreSorted(d.Active))
	assert.True(t, sort.IntsAreSorted(d.Inactive))
	assert.Equal(t, n, len(d.Active)+len(d.Inactive))

	seen := make(map[int]bool, n)
	for _, i := range append(append([]int(nil), d.Active...), d.Inactive...) {
		assert.False(t, seen[i], "index %d appears twice", i)
		assert.True(t, i >= 0 && i < n)
		seen[i] = true
	}
}

func TestDecide_ThresholdFallsBackToBestUnit(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "fc1", []float64{0.01, 0.02, 0.01}, ThresholdBased{Threshold: 0.5})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, d.Active)
	assert.Equal(t, []int{0, 2}, d.Inactive)
	assert.True(t, d.FallbackApplied)
	assert.Equal(t, 0.5, d.Threshold)
	assert.IsType(t, ThresholdBased{}, d.Strategy)
}

func TestDecide_ThresholdStrict(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "fc1", []float64{0.5, 0.6, 0.4, 0.9}, ThresholdBased{Threshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, d.Active)
	assert.False(t, d.FallbackApplied)
}

func TestDecide_PartitionAndNonEmptyForAllStrategies(t *testing.T) {
	rng := rand.New(rand.NewPCG(99, 100))
	strategies := []Strategy{
		TopK{TargetSparsity: 0.5},
		TopK{TargetSparsity: 0.99},
		ThresholdBased{Threshold: 0.7},
		ThresholdBased{Threshold: 1e9},
		Adaptive{TargetSparsity: 0.5},
		Probabilistic{TargetSparsity: 0.3},
		ComplianceAware{TargetSparsity: 0.8},
		PerformanceAdaptive{TargetSparsity: 0.4, AccuracyTarget: 0.95},
		HybridDynamic{},
		nil,
	}

	vectors := [][]float64{{0}, {3}, {0, 0, 0}, {1, 1, 1, 1, 1}}
	for n := 1; n <= 40; n += 3 {
		v := make([]float64, n)
		for i := range v {
			v[i] = rng.Float64()
		}
		vectors = append(vectors, v)
	}

	e := newTestEngine(t, func(c *Config) { c.AllowStochastic = true })
	for si, s := range strategies {
		for vi, v := range vectors {
			layer := fmt.Sprintf("layer-%d", vi%3)
			d, err := e.Decide(context.Background(), layer, v, s)
			require.NoError(t, err, "strategy %d vector %d", si, vi)
			assertPartition(t, d, len(v))
			assert.True(t, d.Sparsity >= 0 && d.Sparsity < 1)
			for _, x := range []float64{d.ComplianceScore, d.PerformanceImpact, d.Confidence} {
				assert.False(t, math.IsNaN(x))
				assert.True(t, x >= 0 && x <= 1)
			}
		}
	}
}

func TestDecide_TopK(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "fc", []float64{0.1, 0.9, 0.5, 0.9}, TopK{TargetSparsity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, d.Active)
	assert.Equal(t, 0.9, d.Threshold)

	d, err = e.Decide(context.Background(), "fc", []float64{1, 1, 1, 1}, TopK{TargetSparsity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, d.Active, "ties go to the lower index")
}

func TestDecide_AdaptiveWithinBand(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "fc", oneToTen(), Adaptive{TargetSparsity: 0.5})
	require.NoError(t, err)

	// mean 5.5, population σ √8.25
	assert.Equal(t, []int{6, 7, 8, 9}, d.Active)
	assert.InDelta(t, 5.5+0.5*math.Sqrt(8.25), d.Threshold, 1e-12)
	assert.InDelta(t, 1.0, d.AdaptationFactor, 1e-12)
}

func TestDecide_AdaptiveClampsIntoBand(t *testing.T) {
	e := newTestEngine(t)

	scores := []float64{100, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	d, err := e.Decide(context.Background(), "fc", scores, Adaptive{TargetSparsity: 0.5})
	require.NoError(t, err)

	// Only the outlier clears mean+0.5σ; the band forces at least 3 units.
	assert.Equal(t, []int{0, 1, 2}, d.Active)
	assert.Equal(t, 1.0, d.Threshold)
	assert.Less(t, d.AdaptationFactor, 1.0)
}

func TestDecide_ProbabilisticIsSeeded(t *testing.T) {
	scores := []float64{0.3, 0.9, 0.1, 0.7, 0.5, 0.2, 0.8, 0.4}

	run := func() [][]int {
		e := newTestEngine(t, func(c *Config) { c.Seed = 42 })
		var out [][]int
		for i := 0; i < 5; i++ {
			d, err := e.Decide(context.Background(), "fc", scores, Probabilistic{TargetSparsity: 0.5})
			require.NoError(t, err)
			require.Len(t, d.Active, 4)
			out = append(out, d.Active)
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestDecide_ProbabilisticNeverPicksZeroWeightWhenAvoidable(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), WithRand(rand.New(rand.NewPCG(1, 1))))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		d, err := e.Decide(context.Background(), "fc", []float64{0, 1, 2, 3}, Probabilistic{TargetSparsity: 0.25})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, d.Active)
	}
}

func TestDecide_ComplianceAware(t *testing.T) {
	t.Run("no history behaves like adaptive", func(t *testing.T) {
		e := newTestEngine(t)
		d, err := e.Decide(context.Background(), "fc", oneToTen(), ComplianceAware{TargetSparsity: 0.5})
		require.NoError(t, err)
		assert.Equal(t, []int{6, 7, 8, 9}, d.Active)
		assert.False(t, d.FallbackApplied)
	})

	t.Run("low compliance raises threshold then hits ceiling", func(t *testing.T) {
		e := newTestEngine(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, e.RecordCompliance("fc", 0.5))
		}
		d, err := e.Decide(context.Background(), "fc", oneToTen(), ComplianceAware{TargetSparsity: 0.5})
		require.NoError(t, err)

		// Raised threshold keeps 3 units (sparsity 0.7) which breaks the
		// 0.6 ceiling, so top-4 is used instead.
		assert.Equal(t, []int{6, 7, 8, 9}, d.Active)
		assert.True(t, d.FallbackApplied)
		assert.LessOrEqual(t, d.Sparsity, 0.6+1e-12)
	})
}

func TestDecide_PerformanceAdaptive(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordPerformance("fc", 0.5))
	}

	d, err := e.Decide(context.Background(), "fc", oneToTen(), PerformanceAdaptive{TargetSparsity: 0.5, AccuracyTarget: 0.95})
	require.NoError(t, err)

	// Performance below target lowers the threshold, keeping more units.
	assert.Equal(t, []int{5, 6, 7, 8, 9}, d.Active)
	assert.Less(t, d.AdaptationFactor, 1.0)
}

func TestDecide_HybridDispatch(t *testing.T) {
	tests := []struct {
		name    string
		layer   string
		scores  []float64
		setup   func(*Engine)
		mutate  func(*Config)
		wantHas Strategy
	}{
		{name: "flat scores use top-k", layer: "fc", scores: []float64{1, 1, 1, 1}, wantHas: TopK{}},
		{
			name: "flat scores with stochastic enabled", layer: "fc", scores: []float64{1, 1.01, 1, 1},
			mutate: func(c *Config) { c.AllowStochastic = true }, wantHas: Probabilistic{},
		},
		{
			name: "low compliance", layer: "fc", scores: oneToTen(),
			setup: func(e *Engine) {
				for i := 0; i < 5; i++ {
					_ = e.RecordCompliance("fc", 0.2)
				}
			},
			wantHas: ComplianceAware{},
		},
		{
			name: "low performance", layer: "fc", scores: oneToTen(),
			setup: func(e *Engine) {
				for i := 0; i < 3; i++ {
					_ = e.RecordPerformance("fc", 0.5)
				}
			},
			wantHas: PerformanceAdaptive{},
		},
		{name: "attention layer", layer: "encoder.0.attention.q", scores: oneToTen(), wantHas: TopK{}},
		{name: "default adaptive", layer: "encoder.0.mlp", scores: oneToTen(), wantHas: Adaptive{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e *Engine
			if tt.mutate != nil {
				e = newTestEngine(t, tt.mutate)
			} else {
				e = newTestEngine(t)
			}
			if tt.setup != nil {
				tt.setup(e)
			}
			d, err := e.Decide(context.Background(), tt.layer, tt.scores, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.wantHas, d.Strategy)
			assert.IsType(t, HybridDynamic{}, d.Requested)
		})
	}
}

func TestDecide_QualityEstimates(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "block.attn", []float64{4, 3, 2, 1}, TopK{TargetSparsity: 0.5})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, d.Active)
	assert.Equal(t, LayerAttention, d.LayerType)
	assert.InDelta(t, 0.5, d.Sparsity, 1e-12)
	// match 1, separation (3.5−1.5)/(3.5+1.5)
	assert.InDelta(t, 0.6+0.4*0.4, d.ComplianceScore, 1e-12)
	assert.InDelta(t, 0.6, d.PerformanceImpact, 1e-12)
	assert.InDelta(t, 0.6*(3.5/4)+0.4*0.9, d.Confidence, 1e-12)
	assert.Equal(t, 1.0, d.AdaptationFactor)
	assert.NotEmpty(t, d.ID)
}

func TestDecide_QualityEstimatesStayFiniteForHugeScores(t *testing.T) {
	e := newTestEngine(t)

	for _, scores := range [][]float64{
		{1e308, 1e308, 0, 0},
		{math.MaxFloat64, math.MaxFloat64, 1.5e308, 1.5e308},
	} {
		d, err := e.Decide(context.Background(), "block.attn", scores, TopK{TargetSparsity: 0.5})
		require.NoError(t, err)

		assert.Equal(t, []int{0, 1}, d.Active)
		assert.False(t, math.IsNaN(d.ComplianceScore) || math.IsInf(d.ComplianceScore, 0), "compliance %v", d.ComplianceScore)
		assert.False(t, math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0), "confidence %v", d.Confidence)
		assert.True(t, d.ComplianceScore >= 0 && d.ComplianceScore <= 1)
		assert.True(t, d.Confidence >= 0 && d.Confidence <= 1)
	}

	d, err := e.Decide(context.Background(), "block.attn", []float64{1e308, 1e308, 0, 0}, TopK{TargetSparsity: 0.5})
	require.NoError(t, err)
	// match 1, separation 1; active mean equals the max
	assert.InDelta(t, 1.0, d.ComplianceScore, 1e-12)
	assert.InDelta(t, 0.6+0.4*0.9, d.Confidence, 1e-12)
}

func TestDecide_FallbackPenalizesConfidence(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Decide(context.Background(), "fc", []float64{0.01, 0.02, 0.01}, ThresholdBased{Threshold: 0.5})
	require.NoError(t, err)

	assert.InDelta(t, (0.6*1+0.4*0.8)*0.8, d.Confidence, 1e-12)
}

func TestDecide_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Decide(ctx, "fc", nil, nil)
	assert.ErrorIs(t, err, errs.ErrEmptyScoreVector)

	_, err = e.Decide(ctx, "fc", []float64{1, math.NaN()}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Decide(ctx, "fc", []float64{1, math.Inf(-1)}, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Decide(ctx, "fc", []float64{1}, TopK{TargetSparsity: 1.5})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Decide(ctx, "fc", []float64{1}, ThresholdBased{Threshold: math.NaN()})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = e.Decide(ctx, "fc", []float64{1}, PerformanceAdaptive{TargetSparsity: 0.5, AccuracyTarget: 2})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	assert.Empty(t, e.History("fc"), "rejected calls leave no history")
}

func TestEngine_HistoryAndStats(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.DecisionHistory = 5 })

	for i := 0; i < 7; i++ {
		s := Strategy(TopK{TargetSparsity: 0.5})
		if i%2 == 1 {
			s = ThresholdBased{Threshold: 100}
		}
		_, err := e.Decide(context.Background(), "fc", oneToTen(), s)
		require.NoError(t, err)
	}

	assert.Len(t, e.History("fc"), 5)

	st, ok := e.LayerStats("fc")
	require.True(t, ok)
	assert.Equal(t, int64(7), st.TotalDecisions)
	assert.Equal(t, 5, st.Retained)
	// Retained: calls 2..6 → top_k, threshold, top_k, threshold, top_k
	assert.Equal(t, 3, st.StrategyUsage[NameTopK])
	assert.Equal(t, 2, st.StrategyUsage[NameThreshold])
	assert.Equal(t, 2, st.Fallbacks)
	assert.Greater(t, st.MeanSparsity, 0.0)

	_, ok = e.LayerStats("unknown")
	assert.False(t, ok)
	assert.Contains(t, e.Layers(), "fc")
}

func TestEngine_RecordObservationsValidated(t *testing.T) {
	e := newTestEngine(t)
	assert.ErrorIs(t, e.RecordPerformance("fc", 1.5), errs.ErrValueOutOfRange)
	assert.ErrorIs(t, e.RecordCompliance("fc", -0.1), errs.ErrValueOutOfRange)
	assert.ErrorIs(t, e.RecordCompliance("fc", math.NaN()), errs.ErrValueOutOfRange)
	assert.NoError(t, e.RecordPerformance("fc", 1))
}

func TestEngine_SetParametersDrivesHybrid(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetParameters(Parameters{Threshold: 0.5, TargetSparsity: 0.8}))
	assert.Equal(t, 0.8, e.Parameters().TargetSparsity)

	d, err := e.Decide(context.Background(), "self_attn.k", oneToTen(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 9}, d.Active)

	assert.ErrorIs(t, e.SetParameters(Parameters{TargetSparsity: 1}), errs.ErrInvalidInput)
}

func TestEngine_ConcurrentLayers(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.AllowStochastic = true })

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			layer := fmt.Sprintf("layer-%d", w%4)
			for i := 0; i < 50; i++ {
				_, err := e.Decide(context.Background(), layer, oneToTen(), nil)
				assert.NoError(t, err)
				_ = e.RecordPerformance(layer, 0.9)
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for i := 0; i < 4; i++ {
		st, ok := e.LayerStats(fmt.Sprintf("layer-%d", i))
		require.True(t, ok)
		total += st.TotalDecisions
	}
	assert.Equal(t, int64(400), total)
}

func TestClassifyLayer(t *testing.T) {
	assert.Equal(t, LayerAttention, ClassifyLayer("encoder.0.Attention.q"))
	assert.Equal(t, LayerAttention, ClassifyLayer("self_attn.v"))
	assert.Equal(t, LayerFeedForward, ClassifyLayer("block.3.mlp.fc1"))
	assert.Equal(t, LayerFeedForward, ClassifyLayer("ffn.up"))
	assert.Equal(t, LayerFeedForward, ClassifyLayer("feed_forward.w2"))
	assert.Equal(t, LayerOther, ClassifyLayer("lm_head"))
}

func TestParseStrategy(t *testing.T) {
	p := Parameters{Threshold: 0.3, TargetSparsity: 0.6}

	s, err := ParseStrategy(NameThreshold, p, 0.9)
	require.NoError(t, err)
	assert.Equal(t, ThresholdBased{Threshold: 0.3}, s)

	s, err = ParseStrategy(NamePerformanceAdaptive, p, 0.9)
	require.NoError(t, err)
	assert.Equal(t, PerformanceAdaptive{TargetSparsity: 0.6, AccuracyTarget: 0.9}, s)

	s, err = ParseStrategy("", p, 0.9)
	require.NoError(t, err)
	assert.Equal(t, HybridDynamic{}, s)

	_, err = ParseStrategy("random", p, 0.9)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"sparsity above one", func(c *Config) { c.TargetSparsity = 1.5 }, true},
		{"zero sparsity", func(c *Config) { c.TargetSparsity = 0 }, true},
		{"inverted compliance bounds", func(c *Config) { c.ComplianceLow = 0.99 }, true},
		{"negative multiplier", func(c *Config) { c.AttentionMultiplier = -1 }, true},
		{"base confidence above one", func(c *Config) { c.BaseConfidence.TopK = 1.1 }, true},
		{"history shorter than window", func(c *Config) { c.HistoryWindow = 2 }, true},
		{"no decision history", func(c *Config) { c.DecisionHistory = 0 }, true},
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
