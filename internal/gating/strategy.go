package gating

import (
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
)

// Strategy is the closed set of gating strategies. Only the types in this
// package implement it.
type Strategy interface {
	Name() string
	validate() error
}

// TopK keeps the round(n·(1−TargetSparsity)) highest scores.
type TopK struct{ TargetSparsity float64 }

// ThresholdBased keeps scores strictly above Threshold, falling back to the
// single best unit when nothing qualifies.
type ThresholdBased struct{ Threshold float64 }

// Adaptive thresholds at mean + f·σ and clamps the active count into a band
// around the target.
type Adaptive struct{ TargetSparsity float64 }

// Probabilistic samples units without replacement, weighted by min-max
// normalized score.
type Probabilistic struct{ TargetSparsity float64 }

// ComplianceAware is Adaptive nudged by recent compliance, with a hard
// sparsity ceiling.
type ComplianceAware struct{ TargetSparsity float64 }

// PerformanceAdaptive is Adaptive nudged by the gap between recent
// performance and AccuracyTarget.
type PerformanceAdaptive struct {
	TargetSparsity float64
	AccuracyTarget float64
}

// HybridDynamic picks one of the other strategies per call.
type HybridDynamic struct{}

// Strategy names.
const (
	NameTopK                = "top_k"
	NameThreshold           = "threshold"
	NameAdaptive            = "adaptive"
	NameProbabilistic       = "probabilistic"
	NameComplianceAware     = "compliance_aware"
	NamePerformanceAdaptive = "performance_adaptive"
	NameHybridDynamic       = "hybrid_dynamic"
)

func (TopK) Name() string                { return NameTopK }
func (ThresholdBased) Name() string      { return NameThreshold }
func (Adaptive) Name() string            { return NameAdaptive }
func (Probabilistic) Name() string       { return NameProbabilistic }
func (ComplianceAware) Name() string     { return NameComplianceAware }
func (PerformanceAdaptive) Name() string { return NamePerformanceAdaptive }
func (HybridDynamic) Name() string       { return NameHybridDynamic }

func (s TopK) validate() error          { return checkSparsity(s.TargetSparsity) }
func (s Adaptive) validate() error      { return checkSparsity(s.TargetSparsity) }
func (s Probabilistic) validate() error { return checkSparsity(s.TargetSparsity) }
func (s ComplianceAware) validate() error {
	return checkSparsity(s.TargetSparsity)
}
func (HybridDynamic) validate() error { return nil }

func (s ThresholdBased) validate() error {
	if !errs.IsFinite(s.Threshold) {
		return fmt.Errorf("%w: threshold is not finite", errs.ErrInvalidInput)
	}
	return nil
}

func (s PerformanceAdaptive) validate() error {
	if err := checkSparsity(s.TargetSparsity); err != nil {
		return err
	}
	if !(s.AccuracyTarget >= 0 && s.AccuracyTarget <= 1) {
		return fmt.Errorf("%w: accuracy target must be in [0,1], got %v", errs.ErrInvalidInput, s.AccuracyTarget)
	}
	return nil
}

func checkSparsity(s float64) error {
	if !(s >= 0 && s < 1) {
		return fmt.Errorf("%w: target sparsity must be in [0,1), got %v", errs.ErrInvalidInput, s)
	}
	return nil
}

// ParseStrategy builds a strategy by name using the given parameters.
func ParseStrategy(name string, p Parameters, accuracyTarget float64) (Strategy, error) {
	switch name {
	case NameTopK:
		return TopK{TargetSparsity: p.TargetSparsity}, nil
	case NameThreshold:
		return ThresholdBased{Threshold: p.Threshold}, nil
	case NameAdaptive:
		return Adaptive{TargetSparsity: p.TargetSparsity}, nil
	case NameProbabilistic:
		return Probabilistic{TargetSparsity: p.TargetSparsity}, nil
	case NameComplianceAware:
		return ComplianceAware{TargetSparsity: p.TargetSparsity}, nil
	case NamePerformanceAdaptive:
		return PerformanceAdaptive{TargetSparsity: p.TargetSparsity, AccuracyTarget: accuracyTarget}, nil
	case NameHybridDynamic, "":
		return HybridDynamic{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", errs.ErrInvalidInput, name)
	}
}
