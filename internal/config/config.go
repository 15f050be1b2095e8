// Package config loads the workspace configuration shared by the
// coordination primitives. Configuration is an explicit struct handed to
// each constructor; there is no process-wide default instance.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes a coordination workspace.
type Config struct {
	// StorageRoot is the directory (or SQLite database directory) holding
	// all collections.
	StorageRoot string `yaml:"storage_root"`
	// Backend selects the store implementation: "fs" or "sqlite".
	Backend string `yaml:"backend"`

	// IntentTTLHours is the default lifetime of a declared work intent.
	IntentTTLHours float64 `yaml:"intent_ttl_hours"`

	// PatternMinOccurrences is the minimum number of successful
	// occurrences before a recurring event group is emitted as a pattern.
	PatternMinOccurrences int `yaml:"pattern_min_occurrences"`

	// StrengthThreshold and StrengthMinSamples gate which categories count
	// as an agent's strengths.
	StrengthThreshold  float64 `yaml:"strength_threshold"`
	StrengthMinSamples int     `yaml:"strength_min_samples"`

	// LockRetries and LockBackoffMS bound how long a read-modify-write
	// waits on a contended document.
	LockRetries   int `yaml:"lock_retries"`
	LockBackoffMS int `yaml:"lock_backoff_ms"`
}

// Default returns a configuration with working defaults rooted at
// ./hiveplane-data.
func Default() *Config {
	return &Config{
		StorageRoot:           "hiveplane-data",
		Backend:               "fs",
		IntentTTLHours:        4,
		PatternMinOccurrences: 3,
		StrengthThreshold:     0.8,
		StrengthMinSamples:    3,
		LockRetries:           50,
		LockBackoffMS:         20,
	}
}

// Load reads a YAML configuration file and overlays it onto the defaults.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the primitives cannot run with.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	if c.Backend != "fs" && c.Backend != "sqlite" {
		return fmt.Errorf("unknown backend %q (want fs or sqlite)", c.Backend)
	}
	if c.PatternMinOccurrences < 1 {
		return fmt.Errorf("pattern_min_occurrences must be >= 1, got %d", c.PatternMinOccurrences)
	}
	if c.StrengthThreshold < 0 || c.StrengthThreshold > 1 {
		return fmt.Errorf("strength_threshold must be in [0,1], got %v", c.StrengthThreshold)
	}
	if c.StrengthMinSamples < 1 {
		return fmt.Errorf("strength_min_samples must be >= 1, got %d", c.StrengthMinSamples)
	}
	return nil
}

// LockBackoff returns the configured backoff as a duration.
func (c *Config) LockBackoff() time.Duration {
	return time.Duration(c.LockBackoffMS) * time.Millisecond
}
