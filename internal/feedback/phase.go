package feedback

import "gonum.org/v1/gonum/stat"

// phaseTracker derives the learning phase from a bounded buffer of batch
// performance values.
type phaseTracker struct {
	cfg   Config
	trend []float64
	phase Phase
}

func newPhaseTracker(cfg Config) *phaseTracker {
	return &phaseTracker{cfg: cfg, phase: PhaseExploration}
}

func (t *phaseTracker) observe(v float64) Phase {
	t.trend = append(t.trend, v)
	if len(t.trend) > t.cfg.TrendWindow {
		t.trend = append([]float64(nil), t.trend[len(t.trend)-t.cfg.TrendWindow:]...)
	}
	t.phase = classifyPhase(t.trend, t.cfg)
	return t.phase
}

func classifyPhase(trend []float64, cfg Config) Phase {
	n := len(trend)
	if n < cfg.PhaseMinSamples {
		return PhaseExploration
	}

	older, recent := trend[:n-cfg.ShiftRecent], trend[n-cfg.ShiftRecent:]
	if stat.Mean(older, nil)-stat.Mean(recent, nil) > cfg.ShiftBound {
		return PhaseAdaptation
	}

	switch v := stat.Variance(trend, nil); {
	case v < cfg.VarianceLow:
		return PhaseConvergence
	case v > cfg.VarianceHigh:
		return PhaseExploration
	default:
		return PhaseExploitation
	}
}

// phaseMultipliers returns the learning-rate and exploration-rate scale
// for a phase.
func phaseMultipliers(p Phase) (lr, eps float64) {
	switch p {
	case PhaseExploration:
		return 1.5, 1.5
	case PhaseConvergence:
		return 0.5, 0.5
	case PhaseAdaptation:
		return 1.2, 1
	default:
		return 1, 1
	}
}
