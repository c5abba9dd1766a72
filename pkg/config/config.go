package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
)

// Config holds the benchmark parameters. The zero value of any field means
// "use the default".
type Config struct {
	Duration         time.Duration `yaml:"duration"`
	BatchSize        int           `yaml:"batch_size"`  // Terms summed per work unit
	CheckEvery       int           `yaml:"check_every"` // Work units between cancellation checks
	Workers          int           `yaml:"workers"`     // Multi-mode width; 0 = all available CPUs
	Isolation        string        `yaml:"isolation"`   // "goroutine" or "process"
	Pin              bool          `yaml:"pin"`         // Pin each worker thread to its own CPU (Linux only)
	Grace            time.Duration `yaml:"grace"`       // Wait after a stop before forcing workers down
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Duration == 0 {
		c.Duration = 10 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100_000
	}
	if c.CheckEvery == 0 {
		c.CheckEvery = 8
	}
	if c.Isolation == "" {
		c.Isolation = IsolationGoroutine
	}
	if c.Grace == 0 {
		c.Grace = 500 * time.Millisecond
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return fmt.Errorf("invalid duration: %v", c.Duration)
	case c.BatchSize <= 0:
		return fmt.Errorf("invalid batch size: %d", c.BatchSize)
	case c.CheckEvery <= 0:
		return fmt.Errorf("invalid check interval: %d", c.CheckEvery)
	case c.Workers < 0:
		return fmt.Errorf("invalid worker count: %d", c.Workers)
	case c.Grace < 0:
		return fmt.Errorf("invalid grace period: %v", c.Grace)
	case c.ProgressInterval <= 0:
		return fmt.Errorf("invalid progress interval: %v", c.ProgressInterval)
	}
	switch c.Isolation {
	case IsolationGoroutine, IsolationProcess:
	default:
		return fmt.Errorf("unknown isolation %q (want %q or %q)", c.Isolation, IsolationGoroutine, IsolationProcess)
	}
	return nil
}

// Write marshals the config to a YAML file.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
