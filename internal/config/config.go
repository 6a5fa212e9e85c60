// Package config provides configuration loading for weightopt.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and WEIGHTOPT_* environment variables, in increasing order of precedence.
// Each core package owns its section type; this package only composes and
// validates them.
package config

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/weightopt/internal/feedback"
	"github.com/fyrsmithlabs/weightopt/internal/gating"
	"github.com/fyrsmithlabs/weightopt/internal/optimizer"
	"github.com/fyrsmithlabs/weightopt/internal/transform"
)

// Config holds the complete weightopt configuration.
type Config struct {
	Transformer   transform.Config    `koanf:"transformer"`
	Gating        gating.Config       `koanf:"gating"`
	Feedback      feedback.Config     `koanf:"feedback"`
	Coordinator   optimizer.Config    `koanf:"coordinator"`
	Store         StoreConfig         `koanf:"store"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// StoreConfig selects the learning-profile persistence backend.
type StoreConfig struct {
	// Backend is "none", "memory" or "sqlite".
	Backend string `koanf:"backend"`
	// Path is the SQLite database file (sqlite backend only).
	Path string `koanf:"path"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Transformer: transform.DefaultConfig(),
		Gating:      gating.DefaultConfig(),
		Feedback:    feedback.DefaultConfig(),
		Coordinator: optimizer.DefaultConfig(),
		Store: StoreConfig{
			Backend: "none",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "weightopt",
			Endpoint:        "localhost:4317",
			LogLevel:        "info",
			LogFormat:       "json",
		},
	}
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Transformer.Validate(); err != nil {
		return fmt.Errorf("transformer: %w", err)
	}
	if err := c.Gating.Validate(); err != nil {
		return fmt.Errorf("gating: %w", err)
	}
	if err := c.Feedback.Validate(); err != nil {
		return fmt.Errorf("feedback: %w", err)
	}
	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	switch c.Store.Backend {
	case "", "none", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store: path required for sqlite backend")
		}
	default:
		return fmt.Errorf("store: unsupported backend %q", c.Store.Backend)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if f := c.Observability.LogFormat; f != "" && f != "json" && f != "console" {
		return fmt.Errorf("observability: log_format must be 'json' or 'console', got %q", f)
	}

	return nil
}
