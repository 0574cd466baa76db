// Package config loads the foreman runtime configuration from
// .foreman/config.toml. Every field has a working default; a missing
// file is not an error.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full runtime configuration.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Admission AdmissionConfig `toml:"admission"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Daemon    DaemonConfig    `toml:"daemon"`
}

// LogConfig tunes event log rotation and retention.
type LogConfig struct {
	MaxBytes      int64 `toml:"max_bytes"`      // rotation size ceiling (default 32 MiB)
	MaxAgeDays    int   `toml:"max_age_days"`   // rotation age ceiling (default 7)
	RetentionDays int   `toml:"retention_days"` // archive retention (default 30)
}

// AdmissionConfig tunes the resource admission controller.
type AdmissionConfig struct {
	MaxConcurrent  int     `toml:"max_concurrent"`   // concurrency ceiling (default 4)
	MaxCPUPercent  float64 `toml:"max_cpu_percent"`  // rolling CPU ceiling (default 85)
	MaxMemPercent  float64 `toml:"max_mem_percent"`  // rolling memory ceiling (default 85)
	SampleInterval string  `toml:"sample_interval"`  // sampler period (default "2s")
	PermitTimeout  string  `toml:"permit_timeout"`   // admission wait bound (default "30s")
}

// PipelineConfig selects and tunes the stage pipeline.
type PipelineConfig struct {
	Name         string `toml:"name"`          // named pipeline (default "default")
	LockTTL      string `toml:"lock_ttl"`      // stage lock lifetime (default "5m")
	FallbackPoll string `toml:"fallback_poll"` // gateway safety-net poll (default "5s")
}

// DaemonConfig tunes the long-running daemon.
type DaemonConfig struct {
	StatusAddr      string `toml:"status_addr"`      // metrics/status listen address (default "127.0.0.1:9633")
	LockJanitor     string `toml:"lock_janitor"`     // expired-lock sweep period (default "30s")
	HealthInterval  string `toml:"health_interval"`  // health probe debounce (default "10s")
	ShutdownTimeout string `toml:"shutdown_timeout"` // graceful shutdown bound (default "10s")
}

// Default returns the configuration with every field at its default.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads a config file. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			c.applyDefaults()
			return c, nil
		}
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("invalid %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Log.MaxBytes == 0 {
		c.Log.MaxBytes = 32 << 20
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 7
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = 30
	}
	if c.Admission.MaxConcurrent == 0 {
		c.Admission.MaxConcurrent = 4
	}
	if c.Admission.MaxCPUPercent == 0 {
		c.Admission.MaxCPUPercent = 85
	}
	if c.Admission.MaxMemPercent == 0 {
		c.Admission.MaxMemPercent = 85
	}
	if c.Admission.SampleInterval == "" {
		c.Admission.SampleInterval = "2s"
	}
	if c.Admission.PermitTimeout == "" {
		c.Admission.PermitTimeout = "30s"
	}
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "default"
	}
	if c.Pipeline.LockTTL == "" {
		c.Pipeline.LockTTL = "5m"
	}
	if c.Pipeline.FallbackPoll == "" {
		c.Pipeline.FallbackPoll = "5s"
	}
	if c.Daemon.StatusAddr == "" {
		c.Daemon.StatusAddr = "127.0.0.1:9633"
	}
	if c.Daemon.LockJanitor == "" {
		c.Daemon.LockJanitor = "30s"
	}
	if c.Daemon.HealthInterval == "" {
		c.Daemon.HealthInterval = "10s"
	}
	if c.Daemon.ShutdownTimeout == "" {
		c.Daemon.ShutdownTimeout = "10s"
	}
}

func (c *Config) validate() error {
	for name, v := range map[string]string{
		"admission.sample_interval": c.Admission.SampleInterval,
		"admission.permit_timeout":  c.Admission.PermitTimeout,
		"pipeline.lock_ttl":         c.Pipeline.LockTTL,
		"pipeline.fallback_poll":    c.Pipeline.FallbackPoll,
		"daemon.lock_janitor":       c.Daemon.LockJanitor,
		"daemon.health_interval":    c.Daemon.HealthInterval,
		"daemon.shutdown_timeout":   c.Daemon.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Admission.MaxConcurrent < 1 {
		return fmt.Errorf("admission.max_concurrent must be at least 1")
	}
	return nil
}

// Duration parses a duration field that validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// WriteDefault writes the default config file for `foreman init`.
func WriteDefault(path string) error {
	c := Default()
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // operator config
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
