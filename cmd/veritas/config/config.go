// Package config holds the YAML configuration for the veritas command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the harness configuration
type Config struct {
	Runner    RunnerConfig    `yaml:"runner"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RunnerConfig struct {
	URI                  string        `yaml:"uri"`
	EventWaitTimeout     time.Duration `yaml:"event_wait_timeout"`
	ThreadJoinTimeout    time.Duration `yaml:"thread_join_timeout"`
	PrimaryChangeTimeout time.Duration `yaml:"primary_change_timeout"`
}

type ScenariosConfig struct {
	// Dirs are scanned recursively for *.json, *.yaml and *.yml files.
	Dirs []string `yaml:"dirs"`
	// Files are individual scenario files run in order.
	Files []string `yaml:"files"`
}

type MetricsConfig struct {
	// ListenAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func (c *Config) applyDefaults() {
	if c.Runner.URI == "" {
		c.Runner.URI = "mongodb://localhost:27017"
	}
	if c.Runner.EventWaitTimeout == 0 {
		c.Runner.EventWaitTimeout = 10 * time.Second
	}
	if c.Runner.ThreadJoinTimeout == 0 {
		c.Runner.ThreadJoinTimeout = 10 * time.Second
	}
	if c.Runner.PrimaryChangeTimeout == 0 {
		c.Runner.PrimaryChangeTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
