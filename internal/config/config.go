// Package config provides configuration loading for missiond.
package config

import (
	"fmt"
	"time"

	"github.com/helioslabs/missiond/internal/registry"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Tracing  TracingConfig  `koanf:"tracing"`
	NATS     NATSConfig     `koanf:"nats"`
	Planner  PlannerConfig  `koanf:"planner"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Retry    RetryConfig    `koanf:"retry"`
	Storage  StorageConfig  `koanf:"storage"`
	Intake   IntakeConfig   `koanf:"intake"`

	// Providers lists the MCP tool servers to launch at startup.
	Providers []ProviderConfig `koanf:"providers"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	Metrics         bool     `koanf:"metrics"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TracingConfig controls OTLP export.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// NATSConfig controls event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// PlannerConfig selects and configures the reasoning collaborator.
type PlannerConfig struct {
	// Kind is "openai" or "scripted" (scripted is for dry runs only).
	Kind    string `koanf:"kind"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	Token   Secret `koanf:"token"`
}

// PipelineConfig bounds stage execution.
type PipelineConfig struct {
	MaxConcurrentDispatch int      `koanf:"max_concurrent_dispatch"`
	MaxDecisionRounds     int      `koanf:"max_decision_rounds"`
	DefaultCallTimeout    Duration `koanf:"default_call_timeout"`
	LedgerTail            int      `koanf:"ledger_tail"`
}

// RetryConfig bounds tool call retries.
type RetryConfig struct {
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
}

// StorageConfig controls on-disk session state.
type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

// IntakeConfig controls the mission spool directory watcher.
type IntakeConfig struct {
	Enabled  bool   `koanf:"enabled"`
	SpoolDir string `koanf:"spool_dir"`
}

// ProviderConfig describes one MCP tool server.
type ProviderConfig struct {
	Descriptor registry.Descriptor `koanf:"descriptor"`
	Command    string              `koanf:"command"`
	Args       []string            `koanf:"args"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8790
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "missiond"
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "localhost:4317"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Planner.Kind == "" {
		cfg.Planner.Kind = "openai"
	}
	if cfg.Planner.Model == "" {
		cfg.Planner.Model = "gpt-4o"
	}
	if cfg.Pipeline.MaxConcurrentDispatch == 0 {
		cfg.Pipeline.MaxConcurrentDispatch = 4
	}
	if cfg.Pipeline.MaxDecisionRounds == 0 {
		cfg.Pipeline.MaxDecisionRounds = 32
	}
	if cfg.Pipeline.DefaultCallTimeout == 0 {
		cfg.Pipeline.DefaultCallTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.LedgerTail == 0 {
		cfg.Pipeline.LedgerTail = 20
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}
	switch c.Planner.Kind {
	case "openai", "scripted":
	default:
		return fmt.Errorf("planner kind must be openai or scripted, got %q", c.Planner.Kind)
	}
	if c.Intake.Enabled && c.Intake.SpoolDir == "" {
		return fmt.Errorf("intake requires spool_dir")
	}
	for i, p := range c.Providers {
		if p.Descriptor.Name == "" {
			return fmt.Errorf("provider %d: descriptor name is required", i)
		}
		if p.Command == "" {
			return fmt.Errorf("provider %s: command is required", p.Descriptor.Name)
		}
	}
	return nil
}
