package optimizer

import "fmt"

// Config holds coordinator settings.
type Config struct {
	// MaxConcurrency bounds the number of layers transformed at once.
	MaxConcurrency int `koanf:"max_concurrency"`

	// InvarianceTolerance is used by VerifyInvariance when the caller passes
	// a non-positive tolerance.
	InvarianceTolerance float64 `koanf:"invariance_tolerance"`

	// EmitFeedback enables automatic signals to the attached learner.
	EmitFeedback bool `koanf:"emit_feedback"`

	// ActivationThreshold is the initial suppression fraction used by
	// ScoreAndDecide; the learner may adjust it.
	ActivationThreshold float64 `koanf:"activation_threshold"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:      4,
		InvarianceTolerance: 1e-3,
		EmitFeedback:        true,
		ActivationThreshold: 0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if !(c.InvarianceTolerance > 0) {
		return fmt.Errorf("invariance_tolerance must be positive, got %v", c.InvarianceTolerance)
	}
	if !(c.ActivationThreshold >= 0 && c.ActivationThreshold <= 1) {
		return fmt.Errorf("activation_threshold must be in [0,1], got %v", c.ActivationThreshold)
	}
	return nil
}
