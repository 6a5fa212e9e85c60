package feedback

import (
	"fmt"
	"time"
)

// Config holds learner calibration.
type Config struct {
	BatchSize           int           `koanf:"batch_size"`
	BatchTimeout        time.Duration `koanf:"batch_timeout"`
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`

	// LearningRate scales reinforcement and pattern deltas.
	LearningRate float64 `koanf:"learning_rate"`
	// QLearningRate is α in Q ← Q + α(r − Q).
	QLearningRate   float64 `koanf:"q_learning_rate"`
	ExplorationRate float64 `koanf:"exploration_rate"`
	RewardThreshold float64 `koanf:"reward_threshold"`
	// MaxStepFraction caps a single delta as a fraction of the parameter range.
	MaxStepFraction float64 `koanf:"max_step_fraction"`

	AccuracyTarget      float64 `koanf:"accuracy_target"`
	PerformanceBaseline float64 `koanf:"performance_baseline"`

	PatternWindow     int     `koanf:"pattern_window"`
	PatternMinSamples int     `koanf:"pattern_min_samples"`
	PatternAgreement  float64 `koanf:"pattern_agreement"`

	TrendWindow     int     `koanf:"trend_window"`
	PhaseMinSamples int     `koanf:"phase_min_samples"`
	VarianceLow     float64 `koanf:"variance_low"`
	VarianceHigh    float64 `koanf:"variance_high"`
	ShiftBound      float64 `koanf:"shift_bound"`
	ShiftRecent     int     `koanf:"shift_recent"`

	HistoryLimit         int     `koanf:"history_limit"`
	StabilitySmoothing   float64 `koanf:"stability_smoothing"`
	StabilitySensitivity float64 `koanf:"stability_sensitivity"`
	BaseAdaptationRate   float64 `koanf:"base_adaptation_rate"`
	MinAdaptationRate    float64 `koanf:"min_adaptation_rate"`
	MaxAdaptationRate    float64 `koanf:"max_adaptation_rate"`

	// RejectLogRate limits warnings about rejected signals (per second).
	RejectLogRate  float64 `koanf:"reject_log_rate"`
	RejectLogBurst int     `koanf:"reject_log_burst"`

	Seed uint64 `koanf:"seed"` // 0 seeds from the clock
}

// DefaultConfig returns learner defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		BatchTimeout:        time.Second,
		MaintenanceInterval: 5 * time.Minute,

		LearningRate:    0.1,
		QLearningRate:   0.1,
		ExplorationRate: 0.1,
		RewardThreshold: 0.1,
		MaxStepFraction: 0.1,

		AccuracyTarget:      0.95,
		PerformanceBaseline: 0.5,

		PatternWindow:     20,
		PatternMinSamples: 5,
		PatternAgreement:  0.6,

		TrendWindow:     50,
		PhaseMinSamples: 10,
		VarianceLow:     0.0005,
		VarianceHigh:    0.01,
		ShiftBound:      0.1,
		ShiftRecent:     5,

		HistoryLimit:         100,
		StabilitySmoothing:   0.8,
		StabilitySensitivity: 100,
		BaseAdaptationRate:   0.1,
		MinAdaptationRate:    0.01,
		MaxAdaptationRate:    0.5,

		RejectLogRate:  1,
		RejectLogBurst: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %v", c.BatchTimeout)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance_interval must be positive, got %v", c.MaintenanceInterval)
	}
	for name, v := range map[string]float64{
		"learning_rate":        c.LearningRate,
		"q_learning_rate":      c.QLearningRate,
		"exploration_rate":     c.ExplorationRate,
		"reward_threshold":     c.RewardThreshold,
		"max_step_fraction":    c.MaxStepFraction,
		"accuracy_target":      c.AccuracyTarget,
		"performance_baseline": c.PerformanceBaseline,
		"pattern_agreement":    c.PatternAgreement,
		"shift_bound":          c.ShiftBound,
		"stability_smoothing":  c.StabilitySmoothing,
		"min_adaptation_rate":  c.MinAdaptationRate,
		"max_adaptation_rate":  c.MaxAdaptationRate,
		"base_adaptation_rate": c.BaseAdaptationRate,
	} {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("%s must be in [0,1], got %v", name, v)
		}
	}
	if c.BaseAdaptationRate == 0 {
		return fmt.Errorf("base_adaptation_rate must be positive")
	}
	if c.MinAdaptationRate > c.MaxAdaptationRate {
		return fmt.Errorf("min_adaptation_rate (%v) exceeds max_adaptation_rate (%v)", c.MinAdaptationRate, c.MaxAdaptationRate)
	}
	if !(c.VarianceLow >= 0 && c.VarianceLow < c.VarianceHigh) {
		return fmt.Errorf("variance bounds must satisfy 0 <= low < high, got %v, %v", c.VarianceLow, c.VarianceHigh)
	}
	if !(c.StabilitySensitivity >= 0) {
		return fmt.Errorf("stability_sensitivity must be non-negative")
	}
	if c.PatternMinSamples < 2 || c.PatternWindow < c.PatternMinSamples {
		return fmt.Errorf("pattern window (%d) must hold at least pattern_min_samples (%d >= 2)", c.PatternWindow, c.PatternMinSamples)
	}
	if c.ShiftRecent < 1 || c.PhaseMinSamples <= c.ShiftRecent || c.TrendWindow < c.PhaseMinSamples {
		return fmt.Errorf("trend window (%d) must hold phase_min_samples (%d) which must exceed shift_recent (%d)",
			c.TrendWindow, c.PhaseMinSamples, c.ShiftRecent)
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be >= 1, got %d", c.HistoryLimit)
	}
	if !(c.RejectLogRate > 0) || c.RejectLogBurst < 1 {
		return fmt.Errorf("reject log rate and burst must be positive")
	}
	return nil
}
