package feedback

import (
	"fmt"
	"math"
)

type qKey struct {
	state  string // component|phase
	action string // signal kind
}

// Reinforcement assigns a reward to each signal, keeps a tabular value
// estimate per (component and phase, signal kind), and pushes parameters in
// the direction of the reward once it clears the threshold.
type Reinforcement struct {
	alpha          float64
	threshold      float64
	accuracyTarget float64
	baseline       float64

	q map[qKey]float64
}

// NewReinforcement builds the algorithm from learner configuration.
func NewReinforcement(cfg Config) *Reinforcement {
	return &Reinforcement{
		alpha:          cfg.QLearningRate,
		threshold:      cfg.RewardThreshold,
		accuracyTarget: cfg.AccuracyTarget,
		baseline:       cfg.PerformanceBaseline,
		q:              make(map[qKey]float64),
	}
}

func (r *Reinforcement) Name() string { return SourceReinforcement }

func (r *Reinforcement) reward(s Signal) float64 {
	switch s.Kind {
	case KindEfficiencyGain, KindCompliance:
		return s.Value
	case KindAccuracyRetention:
		return s.Value - r.accuracyTarget
	case KindError:
		return -s.Kind.level(s.Value)
	case KindPerformanceMetric:
		return s.Value - r.baseline
	default:
		return 0
	}
}

// QValue returns the current estimate for a component, phase and kind.
func (r *Reinforcement) QValue(component string, phase Phase, kind SignalKind) float64 {
	return r.q[qKey{state: component + "|" + string(phase), action: string(kind)}]
}

func (r *Reinforcement) Propose(batch []Signal, st *State) []Action {
	var actions []Action
	for _, s := range batch {
		prof, ok := st.Profiles[s.Component]
		if !ok {
			continue
		}

		rew := r.reward(s)
		key := qKey{state: s.Component + "|" + string(st.Phase), action: string(s.Kind)}
		q := r.q[key]
		q += r.alpha * (rew - q)
		r.q[key] = q

		if math.Abs(rew) <= r.threshold {
			continue
		}

		conf := s.Confidence * clamp01(0.5+0.5*math.Abs(q))
		for _, name := range prof.ParameterNames() {
			delta := st.step(prof, name, rew)
			if delta == 0 {
				continue
			}
			actions = append(actions, Action{
				Component:      s.Component,
				Parameter:      name,
				Delta:          delta,
				ExpectedImpact: rew * conf,
				Confidence:     conf,
				Rationale:      fmt.Sprintf("%s reward %.3f (q=%.3f)", s.Kind, rew, q),
				Source:         SourceReinforcement,
			})

			if st.Rand != nil && st.Rand.Float64() < st.ExplorationRate {
				sign := 1.0
				if st.Rand.IntN(2) == 0 {
					sign = -1
				}
				actions = append(actions, Action{
					Component:   s.Component,
					Parameter:   name,
					Delta:       sign * math.Abs(delta) / 2,
					Confidence:  conf / 2,
					Rationale:   fmt.Sprintf("exploration around %s", s.Kind),
					Source:      SourceReinforcement,
					Exploratory: true,
				})
			}
		}
	}
	return actions
}
