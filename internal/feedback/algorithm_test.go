package feedback

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(cfg Config, phase Phase) *State {
	profiles := make(map[string]Profile)
	for _, spec := range DefaultComponents() {
		profiles[spec.Name] = newProfile(spec, cfg.BaseAdaptationRate).clone()
	}
	return &State{
		Phase:              phase,
		LearningRate:       cfg.LearningRate,
		ExplorationRate:    cfg.ExplorationRate,
		MaxStepFraction:    cfg.MaxStepFraction,
		BaseAdaptationRate: cfg.BaseAdaptationRate,
		Profiles:           profiles,
		Rand:               rand.New(rand.NewPCG(3, 4)),
	}
}

func byParameter(actions []Action) map[string][]Action {
	out := make(map[string][]Action)
	for _, a := range actions {
		out[a.Parameter] = append(out[a.Parameter], a)
	}
	return out
}

func TestReinforcement_QUpdate(t *testing.T) {
	cfg := testConfig()
	r := NewReinforcement(cfg)
	st := testState(cfg, PhaseExploitation)

	sig := NewSignal(KindEfficiencyGain, ComponentGatingEngine, 0.6)
	r.Propose([]Signal{sig}, st)
	assert.InDelta(t, 0.06, r.QValue(ComponentGatingEngine, PhaseExploitation, KindEfficiencyGain), 1e-12)

	r.Propose([]Signal{sig}, st)
	assert.InDelta(t, 0.06+0.1*(0.6-0.06), r.QValue(ComponentGatingEngine, PhaseExploitation, KindEfficiencyGain), 1e-12)

	// Other phases keep their own estimates.
	assert.Zero(t, r.QValue(ComponentGatingEngine, PhaseConvergence, KindEfficiencyGain))
}

func TestReinforcement_Rewards(t *testing.T) {
	cfg := testConfig()
	r := NewReinforcement(cfg)

	assert.InDelta(t, 0.7, r.reward(NewSignal(KindEfficiencyGain, "c", 0.7)), 1e-12)
	assert.InDelta(t, 0.7, r.reward(NewSignal(KindCompliance, "c", 0.7)), 1e-12)
	assert.InDelta(t, -0.25, r.reward(NewSignal(KindAccuracyRetention, "c", 0.7)), 1e-12)
	assert.InDelta(t, -0.7/1.7, r.reward(NewSignal(KindError, "c", 0.7)), 1e-12)
	assert.InDelta(t, -2.5/3.5, r.reward(NewSignal(KindError, "c", 2.5)), 1e-12)
	assert.Greater(t, r.reward(NewSignal(KindError, "c", 1e9)), -1.0)
	assert.InDelta(t, 0.2, r.reward(NewSignal(KindPerformanceMetric, "c", 0.7)), 1e-12)
}

func TestReinforcement_ActionDirection(t *testing.T) {
	cfg := testConfig()
	r := NewReinforcement(cfg)
	st := testState(cfg, PhaseExploitation)

	t.Run("small reward proposes nothing", func(t *testing.T) {
		actions := r.Propose([]Signal{NewSignal(KindAccuracyRetention, ComponentGatingEngine, 0.9)}, st)
		assert.Empty(t, actions)
	})

	t.Run("accuracy loss backs off", func(t *testing.T) {
		actions := r.Propose([]Signal{NewSignal(KindAccuracyRetention, ComponentGatingEngine, 0.5)}, st)
		require.Len(t, actions, 2)
		for _, a := range actions {
			assert.Less(t, a.Delta, 0.0)
			assert.Equal(t, SourceReinforcement, a.Source)
		}
		// 0.1 · (−0.45) · 0.9
		assert.InDelta(t, -0.0405, byParameter(actions)[ParamGatingThreshold][0].Delta, 1e-12)
	})

	t.Run("rank fraction moves against aggressiveness", func(t *testing.T) {
		actions := r.Propose([]Signal{NewSignal(KindAccuracyRetention, ComponentMatrixTransformer, 0.5)}, st)
		require.Len(t, actions, 1)
		assert.Greater(t, actions[0].Delta, 0.0)
	})

	t.Run("delta capped at max step", func(t *testing.T) {
		big := testState(cfg, PhaseExploitation)
		big.LearningRate = 1
		actions := r.Propose([]Signal{NewSignal(KindEfficiencyGain, ComponentActivationScorer, 1)}, big)
		require.Len(t, actions, 1)
		assert.InDelta(t, cfg.MaxStepFraction*1, actions[0].Delta, 1e-12)
	})

	t.Run("unknown component ignored", func(t *testing.T) {
		assert.Empty(t, r.Propose([]Signal{NewSignal(KindEfficiencyGain, "nope", 1)}, st))
	})
}

func TestReinforcement_Exploration(t *testing.T) {
	cfg := testConfig()
	r := NewReinforcement(cfg)
	st := testState(cfg, PhaseExploration)
	st.ExplorationRate = 1

	actions := r.Propose([]Signal{NewSignal(KindEfficiencyGain, ComponentActivationScorer, 0.8)}, st)
	require.Len(t, actions, 2)

	primary, explore := actions[0], actions[1]
	assert.False(t, primary.Exploratory)
	assert.True(t, explore.Exploratory)
	assert.InDelta(t, primary.Delta/2, abs(explore.Delta), 1e-12)
}

func TestReinforcement_AdaptationRateScalesDelta(t *testing.T) {
	cfg := testConfig()
	r := NewReinforcement(cfg)
	st := testState(cfg, PhaseExploitation)

	p := st.Profiles[ComponentActivationScorer]
	p.AdaptationRate = cfg.BaseAdaptationRate / 2
	st.Profiles[ComponentActivationScorer] = p

	actions := r.Propose([]Signal{NewSignal(KindEfficiencyGain, ComponentActivationScorer, 0.8)}, st)
	require.Len(t, actions, 1)
	assert.InDelta(t, 0.1*0.8*1*0.5, actions[0].Delta, 1e-12)
}

func TestPatternRecognition_Trends(t *testing.T) {
	cfg := testConfig()
	st := testState(cfg, PhaseExploitation)

	series := func(kind SignalKind, vals ...float64) []Signal {
		out := make([]Signal, len(vals))
		for i, v := range vals {
			out[i] = NewSignal(kind, ComponentGatingEngine, v)
		}
		return out
	}

	tests := []struct {
		name     string
		batch    []Signal
		wantSign float64 // 0 means no action
	}{
		{"rising efficiency reinforces", series(KindEfficiencyGain, 0.5, 0.6, 0.65, 0.7, 0.8), 1},
		{"falling accuracy corrects", series(KindAccuracyRetention, 0.99, 0.97, 0.96, 0.9, 0.85), -1},
		{"rising error corrects", series(KindError, 0.1, 0.2, 0.3, 0.35, 0.5), -1},
		{"falling error reinforces", series(KindError, 0.5, 0.4, 0.3, 0.2, 0.1), 1},
		{"too few samples", series(KindEfficiencyGain, 0.1, 0.2, 0.3, 0.4), 0},
		{"no agreement", series(KindEfficiencyGain, 0.5, 0.6, 0.5, 0.6, 0.5, 0.6, 0.5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPatternRecognition(cfg)
			actions := p.Propose(tt.batch, st)
			if tt.wantSign == 0 {
				assert.Empty(t, actions)
				return
			}
			require.Len(t, actions, 2)
			for _, a := range actions {
				assert.Equal(t, SourcePattern, a.Source)
				assert.Equal(t, tt.wantSign, sign(a.Delta), a.Rationale)
			}
		})
	}
}

func TestPatternRecognition_ScalesWithRun(t *testing.T) {
	cfg := testConfig()
	st := testState(cfg, PhaseExploitation)
	p := NewPatternRecognition(cfg)

	var batch []Signal
	for _, v := range []float64{0.2, 0.3, 0.4, 0.5, 0.6} {
		batch = append(batch, NewSignal(KindEfficiencyGain, ComponentActivationScorer, v))
	}
	actions := p.Propose(batch, st)
	require.Len(t, actions, 1)
	// lr · (0.6 − 0.2) · span 1
	assert.InDelta(t, 0.04, actions[0].Delta, 1e-12)

	// The run was consumed; one more sample does not re-trigger.
	assert.Empty(t, p.Propose([]Signal{NewSignal(KindEfficiencyGain, ComponentActivationScorer, 0.7)}, st))
}

func TestPatternRecognition_WindowAcrossBatches(t *testing.T) {
	cfg := testConfig()
	st := testState(cfg, PhaseExploitation)
	p := NewPatternRecognition(cfg)

	for _, v := range []float64{0.9, 0.8, 0.7} {
		assert.Empty(t, p.Propose([]Signal{NewSignal(KindCompliance, ComponentActivationScorer, v)}, st))
	}
	actions := p.Propose([]Signal{
		NewSignal(KindCompliance, ComponentActivationScorer, 0.6),
		NewSignal(KindCompliance, ComponentActivationScorer, 0.5),
	}, st)
	require.Len(t, actions, 1)
	assert.Less(t, actions[0].Delta, 0.0)
}

func TestClassifyPhase(t *testing.T) {
	cfg := DefaultConfig()

	repeat := func(v float64, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}
	alternating := func(a, b float64, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = a
			if i%2 == 1 {
				out[i] = b
			}
		}
		return out
	}

	tests := []struct {
		name  string
		trend []float64
		want  Phase
	}{
		{"too few samples", repeat(0.8, 9), PhaseExploration},
		{"flat converges", repeat(0.8, 20), PhaseConvergence},
		{"noisy explores", alternating(0.2, 0.8, 20), PhaseExploration},
		{"moderate exploits", alternating(0.45, 0.55, 20), PhaseExploitation},
		{"recent drop adapts", append(repeat(0.9, 15), repeat(0.6, 5)...), PhaseAdaptation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPhase(tt.trend, cfg))
		})
	}
}

func TestPhaseTracker_BoundedTrend(t *testing.T) {
	cfg := DefaultConfig()
	tr := newPhaseTracker(cfg)
	assert.Equal(t, PhaseExploration, tr.phase)

	for i := 0; i < 120; i++ {
		tr.observe(0.7)
	}
	assert.Len(t, tr.trend, cfg.TrendWindow)
	assert.Equal(t, PhaseConvergence, tr.phase)
}

func TestPhaseMultipliers(t *testing.T) {
	lr, eps := phaseMultipliers(PhaseExploration)
	assert.Equal(t, [2]float64{1.5, 1.5}, [2]float64{lr, eps})
	lr, eps = phaseMultipliers(PhaseConvergence)
	assert.Equal(t, [2]float64{0.5, 0.5}, [2]float64{lr, eps})
	lr, eps = phaseMultipliers(PhaseAdaptation)
	assert.Equal(t, [2]float64{1.2, 1}, [2]float64{lr, eps})
	lr, eps = phaseMultipliers(PhaseExploitation)
	assert.Equal(t, [2]float64{1, 1}, [2]float64{lr, eps})
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
