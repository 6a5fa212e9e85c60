package feedback

import (
	"math"
	"math/rand/v2"
)

// Algorithm proposes parameter changes from a batch of signals.
// Propose is called from the learner's single consumer, one batch at a
// time, so implementations may keep unsynchronized internal state.
type Algorithm interface {
	Name() string
	Propose(batch []Signal, st *State) []Action
}

// State is the read-only view an algorithm gets for one batch.
type State struct {
	Phase Phase

	// LearningRate and ExplorationRate are already scaled for Phase.
	LearningRate    float64
	ExplorationRate float64

	MaxStepFraction    float64
	BaseAdaptationRate float64

	Profiles map[string]Profile
	Rand     *rand.Rand
}

// step converts a signed magnitude into a parameter delta: scaled by the
// learning rate, the parameter range, its direction and the profile's
// relative adaptation rate, then capped at MaxStepFraction of the range.
func (st *State) step(p Profile, param string, magnitude float64) float64 {
	b := p.Bounds[param]
	scale := 1.0
	if st.BaseAdaptationRate > 0 {
		scale = p.AdaptationRate / st.BaseAdaptationRate
	}
	delta := st.LearningRate * magnitude * b.span() * p.Directions[param] * scale
	limit := st.MaxStepFraction * b.span()
	return math.Max(-limit, math.Min(limit, delta))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
