// Package pevmcfg holds the executor's own tunables: concurrency limits,
// the force-sequential switch, timeouts, metrics and logging (the
// sequential-fallback thresholds are fixed in code and not configurable),
// trimmed down from a full node config to
// what the parallel executor itself needs.
package pevmcfg

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level executor configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Execution ExecutionConfig `yaml:"execution"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ExecutionConfig controls the scheduler/driver's concurrency and
// sequential-fallback behavior.
type ExecutionConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	ForceSequential bool          `yaml:"force_sequential"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

// MetricsConfig toggles the summary the driver reports per block.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default matches the reference executor's out-of-the-box behavior.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Execution: ExecutionConfig{
			MaxConcurrency: 8,
			TxTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads and parses a configuration file, falling back to Default
// for anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Execution.MaxConcurrency < 0 {
		return fmt.Errorf("execution.max_concurrency must be >= 0")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.LogLevel != "" && !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return nil
}
