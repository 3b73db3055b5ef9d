package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main duet configuration.
type Config struct {
	// Model providers for the two phases
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Mesh gateway connection
	Mesh MeshConfig `json:"mesh" mapstructure:"mesh"`

	// Workspace root for file exploration tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory for logs and the task journal
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// HTTP gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Task journal
	TaskLog TaskLogConfig `json:"tasklog" mapstructure:"tasklog"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Agent loop tuning
	Agent AgentConfig `json:"agent" mapstructure:"agent"`
}

// ModelsConfig holds the fast and smart model profiles.
type ModelsConfig struct {
	Fast  ModelProfile `json:"fast" mapstructure:"fast"`
	Smart ModelProfile `json:"smart" mapstructure:"smart"`
}

// ModelProfile selects a provider and model for one phase.
type ModelProfile struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	Model    string `json:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// MeshConfig holds the mesh gateway connection settings.
type MeshConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// Static token, used when TokenFile is empty.
	Token string `json:"token" mapstructure:"token"`
	// Path to a file holding the bearer token. The file is watched
	// and re-read on change so rotated credentials take effect
	// without a restart.
	TokenFile string `json:"token_file" mapstructure:"token_file"`
}

// GatewayConfig holds the local HTTP gateway settings.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TaskLogConfig holds task journal settings.
type TaskLogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AgentConfig holds loop tuning overrides. Zero values keep the
// built-in defaults.
type AgentConfig struct {
	RouterIterationCap   int `json:"router_iteration_cap" mapstructure:"router_iteration_cap"`
	ExecutorIterationCap int `json:"executor_iteration_cap" mapstructure:"executor_iteration_cap"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Fast: ModelProfile{
				Provider: "openai",
				Model:    "gpt-4o-mini",
			},
			Smart: ModelProfile{
				Provider: "anthropic",
				Model:    "claude-sonnet-4-20250514",
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Port:    8745,
			Host:    "127.0.0.1",
		},
		TaskLog: TaskLogConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if err := validateProfile("fast", c.Models.Fast); err != nil {
		return err
	}
	if err := validateProfile("smart", c.Models.Smart); err != nil {
		return err
	}

	if c.Mesh.BaseURL == "" {
		return fmt.Errorf("mesh base_url is required")
	}
	if c.Mesh.Token == "" && c.Mesh.TokenFile == "" {
		return fmt.Errorf("mesh token or token_file is required")
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("gateway port %d is out of range", c.Gateway.Port)
		}
	}

	if c.Agent.RouterIterationCap < 0 || c.Agent.ExecutorIterationCap < 0 {
		return fmt.Errorf("iteration caps must not be negative")
	}

	return nil
}

func validateProfile(phase string, p ModelProfile) error {
	if p.Provider != "openai" && p.Provider != "anthropic" {
		return fmt.Errorf("%s model: invalid provider %q (must be: openai, anthropic)", phase, p.Provider)
	}
	if p.Model == "" {
		return fmt.Errorf("%s model: model is required", phase)
	}
	if p.APIKey == "" {
		return fmt.Errorf("%s model: api_key is required", phase)
	}
	return nil
}
