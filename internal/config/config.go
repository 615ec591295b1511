package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Config represents the main stepwire configuration
type Config struct {
	// Data directory holding snapshots and the history database
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Reasoner configuration
	Reasoner ReasonerConfig `json:"reasoner" mapstructure:"reasoner"`

	// Sessions configuration
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Downstream credential configuration
	Downstream DownstreamConfig `json:"downstream" mapstructure:"downstream"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds the listener configuration
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// ReasonerConfig holds the reasoning engine configuration
type ReasonerConfig struct {
	Provider         string  `json:"provider" mapstructure:"provider"` // openai, anthropic
	Model            string  `json:"model" mapstructure:"model"`
	APIKey           string  `json:"api_key" mapstructure:"api_key"`
	Temperature      float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
	PlanningInterval int     `json:"planning_interval" mapstructure:"planning_interval"`
	MaxSteps         int     `json:"max_steps" mapstructure:"max_steps"`
}

// SessionsConfig holds session registry behavior
type SessionsConfig struct {
	// EvictionEnabled turns on the idle flush sweep. Off by default: the
	// registry is a process-lifetime cache unless explicitly configured.
	EvictionEnabled  bool   `json:"eviction_enabled" mapstructure:"eviction_enabled"`
	EvictionSchedule string `json:"eviction_schedule" mapstructure:"eviction_schedule"`
	IdleTimeoutMin   int    `json:"idle_timeout_min" mapstructure:"idle_timeout_min"`
}

// DownstreamConfig holds credentials for the downstream API the reasoner
// calls. The token is acquired lazily on first session creation and cached
// for the life of the process; an empty TokenURL disables acquisition.
type DownstreamConfig struct {
	TokenURL string `json:"token_url" mapstructure:"token_url"`
	Login    string `json:"login" mapstructure:"login"`
	Password string `json:"password" mapstructure:"password"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// SnapshotDir returns the directory holding memory snapshots
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "agent_memory")
}

// HistoryPath returns the history database path
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "chat_history.db")
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8765,
		},
		Reasoner: ReasonerConfig{
			Provider:         "openai",
			Model:            "gpt-4o",
			Temperature:      0.7,
			MaxTokens:        4096,
			PlanningInterval: 10,
			MaxSteps:         20,
		},
		Sessions: SessionsConfig{
			EvictionEnabled:  false,
			EvictionSchedule: "@every 5m",
			IdleTimeoutMin:   60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	switch c.Reasoner.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid reasoner provider %q (must be: openai, anthropic)", c.Reasoner.Provider)
	}

	if c.Reasoner.Model == "" {
		return fmt.Errorf("reasoner model is required")
	}
	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 1 {
		return fmt.Errorf("reasoner temperature must be between 0 and 1")
	}
	if c.Reasoner.PlanningInterval < 0 {
		return fmt.Errorf("planning interval cannot be negative")
	}
	if c.Reasoner.MaxSteps <= 0 {
		return fmt.Errorf("max steps must be positive")
	}

	if c.Sessions.EvictionEnabled {
		if c.Sessions.EvictionSchedule == "" {
			return fmt.Errorf("eviction schedule is required when eviction is enabled")
		}
		if c.Sessions.IdleTimeoutMin <= 0 {
			return fmt.Errorf("idle timeout must be positive when eviction is enabled")
		}
	}

	return nil
}
