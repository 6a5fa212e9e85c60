package gating

import (
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/errs"
)

// Config holds gating calibration. Every constant used by the strategies
// and the quality estimates lives here.
type Config struct {
	TargetSparsity  float64 `koanf:"target_sparsity"`
	Threshold       float64 `koanf:"threshold"`
	AccuracyTarget  float64 `koanf:"accuracy_target"`
	AllowStochastic bool    `koanf:"allow_stochastic"`
	Seed            uint64  `koanf:"seed"` // 0 seeds from the clock

	StdDevFactor float64 `koanf:"stddev_factor"` // adaptive threshold = mean + f·σ
	SparsityBand float64 `koanf:"sparsity_band"`

	ComplianceWindow int     `koanf:"compliance_window"`
	ComplianceLow    float64 `koanf:"compliance_low"`
	ComplianceHigh   float64 `koanf:"compliance_high"`
	ComplianceRaise  float64 `koanf:"compliance_raise"` // σ added below ComplianceLow
	ComplianceLower  float64 `koanf:"compliance_lower"` // σ removed above ComplianceHigh
	CeilingMargin    float64 `koanf:"ceiling_margin"`
	MaxSparsity      float64 `koanf:"max_sparsity"`

	PerformanceWindow int     `koanf:"performance_window"`
	PerformanceFloor  float64 `koanf:"performance_floor"`
	LowVarianceCV     float64 `koanf:"low_variance_cv"`

	AttentionMultiplier   float64 `koanf:"attention_multiplier"`
	FeedForwardMultiplier float64 `koanf:"feed_forward_multiplier"`
	OtherMultiplier       float64 `koanf:"other_multiplier"`

	SparsityMatchWeight float64 `koanf:"sparsity_match_weight"`
	SeparationWeight    float64 `koanf:"separation_weight"`
	ScoreWeight         float64 `koanf:"score_weight"`
	BaseWeight          float64 `koanf:"base_weight"`
	FallbackPenalty     float64 `koanf:"fallback_penalty"`

	BaseConfidence BaseConfidence `koanf:"base_confidence"`

	HistoryWindow   int `koanf:"history_window"`
	DecisionHistory int `koanf:"decision_history"`
}

// BaseConfidence is the per-strategy prior blended into confidence.
type BaseConfidence struct {
	TopK                float64 `koanf:"top_k"`
	Threshold           float64 `koanf:"threshold"`
	Adaptive            float64 `koanf:"adaptive"`
	Probabilistic       float64 `koanf:"probabilistic"`
	ComplianceAware     float64 `koanf:"compliance_aware"`
	PerformanceAdaptive float64 `koanf:"performance_adaptive"`
}

// DefaultConfig returns gating defaults.
func DefaultConfig() Config {
	return Config{
		TargetSparsity: 0.5,
		Threshold:      0.5,
		AccuracyTarget: 0.95,

		StdDevFactor: 0.5,
		SparsityBand: 0.2,

		ComplianceWindow: 5,
		ComplianceLow:    0.8,
		ComplianceHigh:   0.95,
		ComplianceRaise:  0.2,
		ComplianceLower:  0.1,
		CeilingMargin:    0.1,
		MaxSparsity:      0.85,

		PerformanceWindow: 3,
		PerformanceFloor:  0.9,
		LowVarianceCV:     0.1,

		AttentionMultiplier:   1.2,
		FeedForwardMultiplier: 1.0,
		OtherMultiplier:       0.8,

		SparsityMatchWeight: 0.6,
		SeparationWeight:    0.4,
		ScoreWeight:         0.6,
		BaseWeight:          0.4,
		FallbackPenalty:     0.8,

		BaseConfidence: BaseConfidence{
			TopK:                0.9,
			Threshold:           0.8,
			Adaptive:            0.85,
			Probabilistic:       0.7,
			ComplianceAware:     0.88,
			PerformanceAdaptive: 0.82,
		},

		HistoryWindow:   10,
		DecisionHistory: 100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.TargetSparsity > 0 && c.TargetSparsity < 1) {
		return fmt.Errorf("target_sparsity must be in (0,1), got %v", c.TargetSparsity)
	}
	if !errs.IsFinite(c.Threshold) {
		return fmt.Errorf("threshold must be finite")
	}
	unit := map[string]float64{
		"accuracy_target":       c.AccuracyTarget,
		"sparsity_band":         c.SparsityBand,
		"compliance_low":        c.ComplianceLow,
		"compliance_high":       c.ComplianceHigh,
		"max_sparsity":          c.MaxSparsity,
		"performance_floor":     c.PerformanceFloor,
		"sparsity_match_weight": c.SparsityMatchWeight,
		"separation_weight":     c.SeparationWeight,
		"score_weight":          c.ScoreWeight,
		"base_weight":           c.BaseWeight,
		"fallback_penalty":      c.FallbackPenalty,
	}
	for name, v := range unit {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.ComplianceLow > c.ComplianceHigh {
		return fmt.Errorf("compliance_low (%v) must not exceed compliance_high (%v)", c.ComplianceLow, c.ComplianceHigh)
	}
	for name, v := range map[string]float64{
		"stddev_factor":           c.StdDevFactor,
		"compliance_raise":        c.ComplianceRaise,
		"compliance_lower":        c.ComplianceLower,
		"ceiling_margin":          c.CeilingMargin,
		"low_variance_cv":         c.LowVarianceCV,
		"attention_multiplier":    c.AttentionMultiplier,
		"feed_forward_multiplier": c.FeedForwardMultiplier,
		"other_multiplier":        c.OtherMultiplier,
	} {
		if !(v >= 0) || !errs.IsFinite(v) {
			return fmt.Errorf("%s must be non-negative and finite, got %v", name, v)
		}
	}
	b := c.BaseConfidence
	for _, v := range []float64{b.TopK, b.Threshold, b.Adaptive, b.Probabilistic, b.ComplianceAware, b.PerformanceAdaptive} {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("base_confidence values must be in [0,1], got %v", v)
		}
	}
	if c.ComplianceWindow < 1 || c.PerformanceWindow < 1 {
		return fmt.Errorf("compliance_window and performance_window must be >= 1")
	}
	if c.HistoryWindow < max(c.ComplianceWindow, c.PerformanceWindow) {
		return fmt.Errorf("history_window (%d) must cover the trailing windows", c.HistoryWindow)
	}
	if c.DecisionHistory < 1 {
		return fmt.Errorf("decision_history must be >= 1, got %d", c.DecisionHistory)
	}
	return nil
}
