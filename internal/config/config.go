// Package config loads the YAML dispatcher/metrics tuning file, the
// way internal/cli.loadConfig loads beaver-raft's config: os.ReadFile
// plus yaml.Unmarshal. Store location itself is not config-driven
// (spec.md §6: SBSHOME env var), only dispatcher/metrics tuning is.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document.
type Config struct {
	Dispatcher struct {
		MaxProcs       int `yaml:"max_procs"` // 0 = host CPU count
		MaxMemMB       int `yaml:"max_mem_mb"`
		Forever        bool `yaml:"forever"`
		TickIntervalMs int `yaml:"tick_interval_ms"`
	} `yaml:"dispatcher"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// TickInterval returns the configured tick interval as a
// time.Duration, defaulting to 10 seconds when unset.
func (c Config) TickInterval() time.Duration {
	if c.Dispatcher.TickIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Dispatcher.TickIntervalMs) * time.Millisecond
}

// Default returns the zero-value configuration with its defaults
// applied, used when no config file is supplied.
func Default() Config {
	var c Config
	c.Dispatcher.MaxMemMB = -1
	c.Metrics.Port = 9090
	return c
}

// Load reads and parses the YAML config file at path. A missing path
// is not an error: Default() is returned instead, since every field
// has a sensible zero-value behavior.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
