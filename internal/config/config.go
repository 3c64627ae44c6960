// Package config loads squad configuration from the workspace and the
// environment. Settings come from .squad/config.yaml, overridden by SQUAD_*
// environment variables, overridden by flags at the command layer.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/squad/internal/convoy"
	"github.com/zjrosen/squad/internal/routing"
)

// Backend names for the work-state store.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config is the resolved squad configuration.
type Config struct {
	// Workspace is the resolved .squad directory.
	Workspace string `mapstructure:"-"`

	Backend string `mapstructure:"backend"`
	Debug   bool   `mapstructure:"debug"`

	Plans   PlanConfig    `mapstructure:"plans"`
	Routing RoutingConfig `mapstructure:"routing"`
	Convoy  ConvoyConfig  `mapstructure:"convoy"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// PlanConfig locates the battle-plan roots. The workspace dir overrides
// system plans by name.
type PlanConfig struct {
	SystemDir    string `mapstructure:"system_dir"`
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// RoutingConfig tunes the router's health thresholds.
type RoutingConfig struct {
	Window                  int     `mapstructure:"window"`
	MinEvents               int     `mapstructure:"min_events"`
	CircuitBreakerBlockRate float64 `mapstructure:"circuit_breaker_block_rate"`
	ThrottleBlockRate       float64 `mapstructure:"throttle_block_rate"`
	WarnBlockRate           float64 `mapstructure:"warn_block_rate"`
	CriticalBlockRate       float64 `mapstructure:"critical_block_rate"`
	CacheTTLSeconds         int     `mapstructure:"cache_ttl_seconds"`
}

// ConvoyConfig sets the default execution options for convoys.
type ConvoyConfig struct {
	MaxParallel      int     `mapstructure:"max_parallel"`
	BaselineParallel int     `mapstructure:"baseline_parallel"`
	EnableAutoTuning bool    `mapstructure:"enable_auto_tuning"`
	CPUThreshold     float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold  float64 `mapstructure:"memory_threshold"`
	TimeoutMinutes   int     `mapstructure:"timeout_minutes"`
}

// MonitorConfig tunes the resource monitor and routing patrol.
type MonitorConfig struct {
	SampleIntervalSeconds int `mapstructure:"sample_interval_seconds"`
	PatrolIntervalSeconds int `mapstructure:"patrol_interval_seconds"`
}

// Load reads config.yaml from the resolved workspace dir, layered under
// SQUAD_* environment variables. A missing config file yields defaults.
func Load(workspace string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(workspace)

	v.SetEnvPrefix("SQUAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{Workspace: workspace}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendJSON)
	v.SetDefault("debug", false)

	v.SetDefault("plans.workspace_dir", "plans")

	def := routing.DefaultHealthConfig()
	v.SetDefault("routing.window", def.Window)
	v.SetDefault("routing.min_events", def.MinEvents)
	v.SetDefault("routing.circuit_breaker_block_rate", def.CircuitBreakerBlockRate)
	v.SetDefault("routing.throttle_block_rate", def.ThrottleBlockRate)
	v.SetDefault("routing.warn_block_rate", def.WarnBlockRate)
	v.SetDefault("routing.critical_block_rate", def.CriticalBlockRate)
	v.SetDefault("routing.cache_ttl_seconds", int(def.CacheTTL/time.Second))

	v.SetDefault("convoy.max_parallel", 4)
	v.SetDefault("convoy.baseline_parallel", 2)
	v.SetDefault("convoy.enable_auto_tuning", true)
	v.SetDefault("convoy.cpu_threshold", 80.0)
	v.SetDefault("convoy.memory_threshold", 85.0)
	v.SetDefault("convoy.timeout_minutes", 0)

	v.SetDefault("monitor.sample_interval_seconds", 5)
	v.SetDefault("monitor.patrol_interval_seconds", 60)
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendJSON, BackendSQLite)
	}
	if c.Convoy.MaxParallel < 1 {
		return fmt.Errorf("convoy.max_parallel must be at least 1, got %d", c.Convoy.MaxParallel)
	}
	return nil
}

// StorePath returns the work-state store location for the configured backend.
func (c *Config) StorePath() string {
	if c.Backend == BackendSQLite {
		return filepath.Join(c.Workspace, "history.db")
	}
	return filepath.Join(c.Workspace, "workstate.json")
}

// HooksDir returns the lifecycle-hooks directory.
func (c *Config) HooksDir() string {
	return filepath.Join(c.Workspace, "hooks")
}

// WorkspacePlanDir resolves the workspace plan root relative to the
// workspace when the configured path is not absolute.
func (c *Config) WorkspacePlanDir() string {
	dir := c.Plans.WorkspaceDir
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Workspace, dir)
}

// HealthConfig maps the routing section onto the router's tuning knobs.
func (c *Config) HealthConfig() routing.HealthConfig {
	return routing.HealthConfig{
		Window:                  c.Routing.Window,
		MinEvents:               c.Routing.MinEvents,
		CircuitBreakerBlockRate: c.Routing.CircuitBreakerBlockRate,
		ThrottleBlockRate:       c.Routing.ThrottleBlockRate,
		WarnBlockRate:           c.Routing.WarnBlockRate,
		CriticalBlockRate:       c.Routing.CriticalBlockRate,
		CacheTTL:                time.Duration(c.Routing.CacheTTLSeconds) * time.Second,
	}
}

// ConvoyOptions maps the convoy section onto default execution options.
func (c *Config) ConvoyOptions() convoy.Options {
	return convoy.Options{
		MaxParallel:      c.Convoy.MaxParallel,
		BaselineParallel: c.Convoy.BaselineParallel,
		EnableAutoTuning: c.Convoy.EnableAutoTuning,
		CPUThreshold:     c.Convoy.CPUThreshold,
		MemoryThreshold:  c.Convoy.MemoryThreshold,
		Timeout:          time.Duration(c.Convoy.TimeoutMinutes) * time.Minute,
	}
}

// SampleInterval returns the resource monitor cadence.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Monitor.SampleIntervalSeconds) * time.Second
}

// PatrolInterval returns the routing patrol cadence.
func (c *Config) PatrolInterval() time.Duration {
	return time.Duration(c.Monitor.PatrolIntervalSeconds) * time.Second
}
