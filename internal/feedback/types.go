package feedback

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
	"github.com/google/uuid"
)

// SignalKind identifies what a feedback value measures.
type SignalKind string

const (
	KindEfficiencyGain    SignalKind = "efficiency_gain"
	KindAccuracyRetention SignalKind = "accuracy_retention"
	KindCompliance        SignalKind = "compliance"
	// KindError carries an unsigned error magnitude; larger is worse.
	KindError             SignalKind = "error"
	KindPerformanceMetric SignalKind = "performance_metric"
)

func (k SignalKind) valid() bool {
	switch k {
	case KindEfficiencyGain, KindAccuracyRetention, KindCompliance, KindError, KindPerformanceMetric:
		return true
	}
	return false
}

// level maps a value onto [0,1]. Error magnitudes are unbounded, so they
// become v/(1+v).
func (k SignalKind) level(v float64) float64 {
	if k == KindError {
		return v / (1 + v)
	}
	return v
}

// goodness maps a value onto [0,1] where higher is better.
func (k SignalKind) goodness(v float64) float64 {
	if k == KindError {
		return 1 / (1 + v)
	}
	return v
}

// Signal is one feedback observation about a component.
type Signal struct {
	ID         string
	Kind       SignalKind
	Value      float64
	Component  string
	Context    map[string]string
	Confidence float64
	Source     string
	Timestamp  time.Time
}

// NewSignal creates a Signal with a generated ID, full confidence and the
// current time.
func NewSignal(kind SignalKind, component string, value float64) Signal {
	return Signal{
		ID:         uuid.New().String(),
		Kind:       kind,
		Value:      value,
		Component:  component,
		Confidence: 1,
		Timestamp:  time.Now(),
	}
}

func (s Signal) validate() error {
	if !s.Kind.valid() {
		return fmt.Errorf("%w: unknown signal kind %q", errs.ErrInvalidInput, s.Kind)
	}
	if s.Component == "" {
		return fmt.Errorf("%w: signal component is required", errs.ErrInvalidInput)
	}
	if s.Kind == KindError {
		if !(s.Value >= 0) || !errs.IsFinite(s.Value) {
			return fmt.Errorf("%w: error magnitude must be finite and >= 0, got %v", errs.ErrValueOutOfRange, s.Value)
		}
	} else if !(s.Value >= 0 && s.Value <= 1) {
		return fmt.Errorf("%w: %s value must be in [0,1], got %v", errs.ErrValueOutOfRange, s.Kind, s.Value)
	}
	if !(s.Confidence >= 0 && s.Confidence <= 1) {
		return fmt.Errorf("%w: confidence must be in [0,1], got %v", errs.ErrValueOutOfRange, s.Confidence)
	}
	return nil
}

// Phase is the learner's global learning regime.
type Phase string

const (
	PhaseExploration  Phase = "exploration"
	PhaseExploitation Phase = "exploitation"
	PhaseConvergence  Phase = "convergence"
	PhaseAdaptation   Phase = "adaptation"
)

// Algorithm names, used as Action.Source.
const (
	SourceReinforcement = "reinforcement"
	SourcePattern       = "pattern_recognition"
)

// Action is a proposed (and, once published, applied) parameter change.
type Action struct {
	ID             string
	Component      string
	Parameter      string
	Delta          float64 // proposed change
	Applied        float64 // change after clamping to bounds
	Value          float64 // parameter value after the change
	ExpectedImpact float64
	Confidence     float64
	Rationale      string
	Source         string
	Exploratory    bool
	Phase          Phase
	Timestamp      time.Time
}

// Stats are learner counters.
type Stats struct {
	Submitted      int64
	Rejected       int64
	Processed      int64
	Batches        int64
	ActionsApplied int64
	QueueDepth     int
	Phase          Phase
	Running        bool
}
