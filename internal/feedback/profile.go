package feedback

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Component names with built-in profiles.
const (
	ComponentGatingEngine      = "gating_engine"
	ComponentActivationScorer  = "activation_scorer"
	ComponentMatrixTransformer = "matrix_transformer"
)

// Parameter names.
const (
	ParamGatingThreshold     = "gating_threshold"
	ParamTargetSparsity      = "target_sparsity"
	ParamActivationThreshold = "activation_threshold"
	ParamRankFraction        = "rank_fraction"
)

// Bounds is an inclusive parameter range.
type Bounds struct {
	Min float64
	Max float64
}

func (b Bounds) clamp(v float64) float64 {
	return math.Max(b.Min, math.Min(b.Max, v))
}

func (b Bounds) span() float64 { return b.Max - b.Min }

// ParameterSpec declares a tunable parameter. Direction is +1 when raising
// the parameter makes the component more aggressive (more savings, more
// risk) and −1 when lowering it does.
type ParameterSpec struct {
	Name      string
	Default   float64
	Bounds    Bounds
	Direction float64
}

// ComponentSpec declares the parameters of one component.
type ComponentSpec struct {
	Name       string
	Parameters []ParameterSpec
}

// DefaultComponents returns the built-in component specs.
func DefaultComponents() []ComponentSpec {
	return []ComponentSpec{
		{
			Name: ComponentGatingEngine,
			Parameters: []ParameterSpec{
				{Name: ParamGatingThreshold, Default: 0.5, Bounds: Bounds{0.05, 0.95}, Direction: 1},
				{Name: ParamTargetSparsity, Default: 0.5, Bounds: Bounds{0.1, 0.85}, Direction: 1},
			},
		},
		{
			Name: ComponentActivationScorer,
			Parameters: []ParameterSpec{
				{Name: ParamActivationThreshold, Default: 0.1, Bounds: Bounds{0, 1}, Direction: 1},
			},
		},
		{
			Name: ComponentMatrixTransformer,
			Parameters: []ParameterSpec{
				{Name: ParamRankFraction, Default: 0.8, Bounds: Bounds{0.1, 1}, Direction: -1},
			},
		},
	}
}

func (c ComponentSpec) validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name is required")
	}
	if len(c.Parameters) == 0 {
		return fmt.Errorf("component %s declares no parameters", c.Name)
	}
	for _, p := range c.Parameters {
		if !(p.Bounds.Min < p.Bounds.Max) {
			return fmt.Errorf("%s.%s: bounds [%v,%v] are empty", c.Name, p.Name, p.Bounds.Min, p.Bounds.Max)
		}
		if p.Default < p.Bounds.Min || p.Default > p.Bounds.Max {
			return fmt.Errorf("%s.%s: default %v outside bounds", c.Name, p.Name, p.Default)
		}
		if p.Direction != 1 && p.Direction != -1 {
			return fmt.Errorf("%s.%s: direction must be ±1", c.Name, p.Name)
		}
	}
	return nil
}

// HistoryEntry pairs a parameter snapshot with the performance observed
// under it.
type HistoryEntry struct {
	Parameters  map[string]float64
	Performance float64
	Timestamp   time.Time
}

// Profile is a component's learning state. Values returned by Learner.Profile
// are deep copies.
type Profile struct {
	Component      string
	Parameters     map[string]float64
	Bounds         map[string]Bounds
	Directions     map[string]float64
	History        []HistoryEntry
	Stability      float64
	AdaptationRate float64
	UpdatedAt      time.Time
}

func newProfile(spec ComponentSpec, adaptationRate float64) *Profile {
	p := &Profile{
		Component:      spec.Name,
		Parameters:     make(map[string]float64, len(spec.Parameters)),
		Bounds:         make(map[string]Bounds, len(spec.Parameters)),
		Directions:     make(map[string]float64, len(spec.Parameters)),
		Stability:      0.5,
		AdaptationRate: adaptationRate,
	}
	for _, ps := range spec.Parameters {
		p.Parameters[ps.Name] = ps.Default
		p.Bounds[ps.Name] = ps.Bounds
		p.Directions[ps.Name] = ps.Direction
	}
	return p
}

// ParameterNames returns the profile's parameter names in sorted order.
func (p *Profile) ParameterNames() []string {
	names := make([]string, 0, len(p.Parameters))
	for n := range p.Parameters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// apply adds delta to a parameter, clamped to its bounds, and returns the
// change actually applied and the new value.
func (p *Profile) apply(param string, delta float64) (applied, value float64, ok bool) {
	cur, ok := p.Parameters[param]
	if !ok {
		return 0, 0, false
	}
	next := p.Bounds[param].clamp(cur + delta)
	p.Parameters[param] = next
	return next - cur, next, true
}

func (p *Profile) recordPerformance(perf float64, limit int, now time.Time) {
	p.History = append(p.History, HistoryEntry{
		Parameters:  copyParams(p.Parameters),
		Performance: perf,
		Timestamp:   now,
	})
	p.trim(limit)
	p.UpdatedAt = now
}

func (p *Profile) trim(limit int) {
	if len(p.History) > limit {
		p.History = append([]HistoryEntry(nil), p.History[len(p.History)-limit:]...)
	}
}

func (p *Profile) clone() Profile {
	out := *p
	out.Parameters = copyParams(p.Parameters)
	out.Bounds = make(map[string]Bounds, len(p.Bounds))
	for k, v := range p.Bounds {
		out.Bounds[k] = v
	}
	out.Directions = copyParams(p.Directions)
	out.History = make([]HistoryEntry, len(p.History))
	for i, h := range p.History {
		h.Parameters = copyParams(h.Parameters)
		out.History[i] = h
	}
	return out
}

func copyParams(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
