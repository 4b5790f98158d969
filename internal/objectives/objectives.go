// Package objectives loads the scoring configuration: which objective
// gates a candidate must clear and how each one is measured.
package objectives

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the objectives file. Every section is required; a missing
// field fails the load rather than defaulting.
type Config struct {
	FunctionalPass bool            `yaml:"functional_pass"`
	Perf           PerfConfig      `yaml:"perf"`
	Robust         RobustConfig    `yaml:"robust"`
	Quality        QualityConfig   `yaml:"quality"`
	Stability      StabilityConfig `yaml:"stability"`
}

// PerfConfig describes the performance gate.
type PerfConfig struct {
	TargetImprovementPct float64 `yaml:"target_improvement_pct"`
	Repetitions          int     `yaml:"repetitions"`
	Confidence           float64 `yaml:"confidence"`
}

// RobustConfig describes the robustness gate.
type RobustConfig struct {
	PropertyCases int     `yaml:"property_cases"`
	FuzzRuntimeS  float64 `yaml:"fuzz_runtime_s"`
}

// QualityConfig describes the code-quality gate.
type QualityConfig struct {
	MaxCyclomatic  int     `yaml:"max_cyclomatic"`
	MinCoveragePct float64 `yaml:"min_coverage_pct"`
	LintsBlocking  bool    `yaml:"lints_blocking"`
}

// StabilityConfig describes the run-to-run stability gate.
type StabilityConfig struct {
	StddevMaxPct float64 `yaml:"stddev_max_pct"`
}

// Load reads and validates the objectives file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read objectives config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates an objectives document. Unknown fields are
// rejected: the schema is closed.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse objectives config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Perf.Repetitions <= 0 {
		return fmt.Errorf("objectives: perf.repetitions must be positive")
	}
	if c.Perf.Confidence <= 0 || c.Perf.Confidence >= 1 {
		return fmt.Errorf("objectives: perf.confidence must be in (0, 1)")
	}
	if c.Robust.PropertyCases <= 0 {
		return fmt.Errorf("objectives: robust.property_cases must be positive")
	}
	if c.Robust.FuzzRuntimeS <= 0 {
		return fmt.Errorf("objectives: robust.fuzz_runtime_s must be positive")
	}
	if c.Quality.MaxCyclomatic <= 0 {
		return fmt.Errorf("objectives: quality.max_cyclomatic must be positive")
	}
	if c.Quality.MinCoveragePct < 0 || c.Quality.MinCoveragePct > 100 {
		return fmt.Errorf("objectives: quality.min_coverage_pct must be within [0, 100]")
	}
	if c.Stability.StddevMaxPct <= 0 {
		return fmt.Errorf("objectives: stability.stddev_max_pct must be positive")
	}
	return nil
}
