package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// IntervalConfig maps named schedule intervals to durations.
type IntervalConfig struct {
	Intervals map[string]time.Duration `yaml:"intervals"`
}

// DefaultIntervals covers the fixed schedule frequencies a flow may use.
func DefaultIntervals() *IntervalConfig {
	return &IntervalConfig{Intervals: map[string]time.Duration{
		"every_5_minutes":  5 * time.Minute,
		"every_15_minutes": 15 * time.Minute,
		"every_30_minutes": 30 * time.Minute,
		"hourly":           time.Hour,
		"every_6_hours":    6 * time.Hour,
		"twice_daily":      12 * time.Hour,
		"daily":            24 * time.Hour,
		"weekly":           7 * 24 * time.Hour,
	}}
}

// LoadIntervals reads a named-interval config file, falling back to defaults
// when the path is empty or missing.
func LoadIntervals(path string) (*IntervalConfig, error) {
	if path == "" {
		return DefaultIntervals(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultIntervals(), nil
		}
		return nil, fmt.Errorf("read interval config: %w", err)
	}
	var raw struct {
		Intervals map[string]string `yaml:"intervals"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse interval config: %w", err)
	}
	cfg := &IntervalConfig{Intervals: make(map[string]time.Duration, len(raw.Intervals))}
	for name, val := range raw.Intervals {
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("interval %q: invalid duration %q", name, val)
		}
		cfg.Intervals[name] = d
	}
	if len(cfg.Intervals) == 0 {
		return DefaultIntervals(), nil
	}
	return cfg, nil
}

// Lookup resolves a named interval.
func (c *IntervalConfig) Lookup(name string) (time.Duration, bool) {
	if c == nil || c.Intervals == nil {
		return 0, false
	}
	d, ok := c.Intervals[name]
	return d, ok
}

// Names returns the configured interval names sorted for stable listings.
func (c *IntervalConfig) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Intervals))
	for name := range c.Intervals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
