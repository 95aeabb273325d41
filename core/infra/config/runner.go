package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunnerConfig tunes the deferred-task runner: how many concurrent batches
// are claimed, how many tasks each batch takes, and the wall-clock limit a
// batch may run before remaining tasks are left for the next poll.
type RunnerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	BatchSize      int           `yaml:"batch_size"`
	BatchTimeLimit time.Duration `yaml:"batch_time_limit"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// DefaultRunner returns conservative runner defaults.
func DefaultRunner() *RunnerConfig {
	return &RunnerConfig{
		Concurrency:    4,
		BatchSize:      25,
		BatchTimeLimit: 5 * time.Minute,
		PollInterval:   5 * time.Second,
	}
}

// LoadRunner reads runner tuning from a YAML file, falling back to defaults
// when the path is empty or the file is absent.
func LoadRunner(path string) (*RunnerConfig, error) {
	if path == "" {
		return DefaultRunner(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRunner(), nil
		}
		return nil, fmt.Errorf("read runner config: %w", err)
	}
	cfg := DefaultRunner()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse runner config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects non-positive tuning values.
func (c *RunnerConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("runner concurrency must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("runner batch_size must be positive")
	}
	if c.BatchTimeLimit <= 0 {
		return fmt.Errorf("runner batch_time_limit must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("runner poll_interval must be positive")
	}
	return nil
}
