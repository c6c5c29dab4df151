// Copyright (c) matt-FFFFFF 2025. All rights reserved.
// SPDX-License-Identifier: MIT

package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// ConfigFileName is looked up in the project root.
const ConfigFileName = "lockstep.yaml"

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return err //nolint:wrapcheck
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds tunables shared by every component of a project.
type Config struct {
	// StateDir overrides where lock, queue and logs live.
	StateDir string `yaml:"state_dir"`
	// DefaultTimeout applies to commands submitted without their own.
	DefaultTimeout Duration `yaml:"default_timeout"`
	// DefaultMemoryLimitMB applies to commands submitted without their own.
	DefaultMemoryLimitMB int64 `yaml:"default_memory_limit_mb"`
	// PipelineTimeout bounds a whole executor run; zero means unlimited.
	PipelineTimeout Duration `yaml:"pipeline_timeout"`
	// PollInterval paces the executor's idle loop and lock retries.
	PollInterval Duration `yaml:"poll_interval"`
	// MemoryPollInterval paces the memory monitor.
	MemoryPollInterval Duration `yaml:"memory_poll_interval"`
	// GracePeriod is the SIGTERM-to-SIGKILL window on kill paths.
	GracePeriod Duration `yaml:"grace_period"`
	// ReapInterval paces the periodic orphan scan.
	ReapInterval Duration `yaml:"reap_interval"`
}

// DefaultConfig returns the values used when no config file exists.
func DefaultConfig() Config {
	return Config{
		PollInterval:       Duration(200 * time.Millisecond),
		MemoryPollInterval: Duration(1 * time.Second),
		GracePeriod:        Duration(5 * time.Second),
		ReapInterval:       Duration(60 * time.Second),
	}
}

// LoadConfig reads lockstep.yaml from the project root, falling back to the
// user-wide config.yaml in the state base, then to defaults. Unset fields
// keep their defaults.
func LoadConfig(root string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(root, ConfigFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		path = filepath.Join(defaultStateBase(), "config.yaml")
		data, err = os.ReadFile(path)
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	if cfg.MemoryPollInterval <= 0 {
		cfg.MemoryPollInterval = DefaultConfig().MemoryPollInterval
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}

	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}

	return cfg, nil
}
