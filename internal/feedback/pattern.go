package feedback

import (
	"fmt"
	"math"
)

type seriesKey struct {
	component string
	kind      SignalKind
}

// PatternRecognition watches a sliding window of values per component and
// signal kind. When most consecutive changes share a sign it proposes a
// reinforcing action for an improving trend or a corrective one for a
// worsening trend, scaled by the size of the run.
type PatternRecognition struct {
	window     int
	minSamples int
	agreement  float64

	series map[seriesKey][]float64
}

// NewPatternRecognition builds the algorithm from learner configuration.
func NewPatternRecognition(cfg Config) *PatternRecognition {
	return &PatternRecognition{
		window:     cfg.PatternWindow,
		minSamples: cfg.PatternMinSamples,
		agreement:  cfg.PatternAgreement,
		series:     make(map[seriesKey][]float64),
	}
}

func (p *PatternRecognition) Name() string { return SourcePattern }

func (p *PatternRecognition) Propose(batch []Signal, st *State) []Action {
	var touched []seriesKey
	seen := make(map[seriesKey]bool)
	for _, s := range batch {
		if _, ok := st.Profiles[s.Component]; !ok {
			continue
		}
		k := seriesKey{component: s.Component, kind: s.Kind}
		xs := append(p.series[k], s.Kind.level(s.Value))
		if len(xs) > p.window {
			xs = xs[len(xs)-p.window:]
		}
		p.series[k] = xs
		if !seen[k] {
			seen[k] = true
			touched = append(touched, k)
		}
	}

	var actions []Action
	for _, k := range touched {
		xs := p.series[k]
		trend, ok := p.detect(xs)
		if !ok {
			continue
		}

		improving := trend > 0
		if k.kind == KindError {
			improving = !improving
		}
		sign, label := -1.0, "corrective"
		if improving {
			sign, label = 1.0, "reinforcing"
		}
		magnitude := math.Abs(xs[len(xs)-1] - xs[0])

		prof := st.Profiles[k.component]
		for _, name := range prof.ParameterNames() {
			delta := st.step(prof, name, sign*magnitude)
			if delta == 0 {
				continue
			}
			actions = append(actions, Action{
				Component:      k.component,
				Parameter:      name,
				Delta:          delta,
				ExpectedImpact: sign * magnitude,
				Confidence:     clamp01(p.agreement + magnitude),
				Rationale:      fmt.Sprintf("%s: %s trend over %d samples", label, k.kind, len(xs)),
				Source:         SourcePattern,
			})
		}

		// Keep only the latest value so one run is not acted on twice.
		p.series[k] = xs[len(xs)-1:]
	}
	return actions
}

// detect returns +1 for a rising run, −1 for a falling one.
func (p *PatternRecognition) detect(xs []float64) (int, bool) {
	if len(xs) < p.minSamples {
		return 0, false
	}
	var up, down int
	for i := 1; i < len(xs); i++ {
		switch d := xs[i] - xs[i-1]; {
		case d > 0:
			up++
		case d < 0:
			down++
		}
	}
	steps := float64(len(xs) - 1)
	switch {
	case float64(up)/steps >= p.agreement:
		return 1, true
	case float64(down)/steps >= p.agreement:
		return -1, true
	default:
		return 0, false
	}
}
