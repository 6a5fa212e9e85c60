package transform

import "fmt"

// Config holds matrix transformer settings.
type Config struct {
	// RankFraction is the default fraction of min(rows, cols) retained.
	RankFraction float64 `koanf:"rank_fraction"`

	// Tolerance is the default relative error below which a reconstruction
	// counts as invariant.
	Tolerance float64 `koanf:"tolerance"`

	// RankTolerance is the largest singular value at or below which a matrix
	// is treated as numerically rank zero.
	RankTolerance float64 `koanf:"rank_tolerance"`

	CacheEnabled bool `koanf:"cache_enabled"`

	// MaxCacheEntries bounds the result cache; 0 means unbounded.
	MaxCacheEntries int `koanf:"max_cache_entries"`
}

// DefaultConfig returns transformer defaults.
func DefaultConfig() Config {
	return Config{
		RankFraction:    0.8,
		Tolerance:       1e-3,
		RankTolerance:   1e-12,
		CacheEnabled:    true,
		MaxCacheEntries: 1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.RankFraction > 0 && c.RankFraction <= 1) {
		return fmt.Errorf("rank_fraction must be in (0,1], got %v", c.RankFraction)
	}
	if !(c.Tolerance > 0) {
		return fmt.Errorf("tolerance must be positive, got %v", c.Tolerance)
	}
	if c.RankTolerance < 0 {
		return fmt.Errorf("rank_tolerance must be >= 0, got %v", c.RankTolerance)
	}
	if c.MaxCacheEntries < 0 {
		return fmt.Errorf("max_cache_entries must be >= 0, got %d", c.MaxCacheEntries)
	}
	return nil
}
