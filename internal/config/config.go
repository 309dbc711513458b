// Package config holds all auditchat configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"auditchat/internal/logging"
)

// Config holds all auditchat configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP/WebSocket server
	Server ServerConfig `yaml:"server"`

	// Dataset synchronization
	Dataset DatasetConfig `yaml:"dataset"`

	// Reasoning service
	LLM LLMConfig `yaml:"llm"`

	// Agent pipeline
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Client sessions
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
}

// DatasetConfig configures the synchronization engine.
type DatasetConfig struct {
	// Root directory; each subdirectory is a category of delimited files.
	Path string `yaml:"path"`

	// SQLite database holding the synced tables.
	DatabasePath string `yaml:"database_path"`

	// Periodic sync interval; empty or "0" disables the ticker.
	SyncInterval string `yaml:"sync_interval"`

	// File-system watcher
	WatchEnabled  bool   `yaml:"watch_enabled"`
	WatchDebounce string `yaml:"watch_debounce"`

	// Rows sampled per file for type inference.
	SampleRows int `yaml:"sample_rows"`
}

// LLMConfig configures the reasoning-service client.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // groq, openai, gemini
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	MaxTokens int    `yaml:"max_tokens"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	// Per-stage deadline for the reasoning call.
	StageTimeout string `yaml:"stage_timeout"`

	// Byte budget for the composed stage context.
	ContextBudget int `yaml:"context_budget"`

	// Sample rows per table in the analyze-stage data profile.
	ProfileRows int `yaml:"profile_rows"`
}

// SessionConfig configures client session management.
type SessionConfig struct {
	// Outbound event log cap; exceeding it is a fatal session error.
	QueueCap int `yaml:"queue_cap"`

	// Pending inbound request queue cap per client.
	PendingCap int `yaml:"pending_cap"`

	// How long a disconnected session waits for a reconnect before its
	// running request is cancelled and the session destroyed.
	GracePeriod string `yaml:"grace_period"`

	// SQLite database for chat history and the session event archive.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Dir             string `yaml:"dir"`
	logging.Options `yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "auditchat",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:              ":8000",
			HeartbeatInterval: "30s",
			ShutdownTimeout:   "10s",
		},

		Dataset: DatasetConfig{
			Path:          "dataset",
			DatabasePath:  "data/datasets.db",
			SyncInterval:  "5m",
			WatchEnabled:  true,
			WatchDebounce: "500ms",
			SampleRows:    100,
		},

		LLM: LLMConfig{
			Provider:  "groq",
			Model:     "deepseek-r1-distill-llama-70b",
			BaseURL:   "https://api.groq.com/openai/v1",
			Timeout:   "120s",
			MaxTokens: 2000,
		},

		Pipeline: PipelineConfig{
			StageTimeout:  "90s",
			ContextBudget: 8192,
			ProfileRows:   5,
		},

		Session: SessionConfig{
			QueueCap:     256,
			PendingCap:   16,
			GracePeriod:  "60s",
			DatabasePath: "data/auditchat.db",
		},

		Logging: LoggingConfig{
			Dir: "logs",
			Options: logging.Options{
				Enabled: true,
				Level:   "info",
			},
		},
	}
}

// Load loads configuration from a YAML file.
// Missing file returns defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// API key in priority order; later entries win.
	if key := os.Getenv("GROQ_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "groq"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	if path := os.Getenv("AUDITCHAT_DATASET_PATH"); path != "" {
		c.Dataset.Path = path
	}
	if path := os.Getenv("AUDITCHAT_DB"); path != "" {
		c.Dataset.DatabasePath = path
	}
	if addr := os.Getenv("AUDITCHAT_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if model := os.Getenv("AUDITCHAT_MODEL"); model != "" {
		c.LLM.Model = model
	}
}

// Validate checks configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required")
	}
	if c.Dataset.DatabasePath == "" {
		return fmt.Errorf("dataset.database_path is required")
	}
	if c.Session.QueueCap <= 0 {
		return fmt.Errorf("session.queue_cap must be positive, got %d", c.Session.QueueCap)
	}
	if c.Session.PendingCap < 0 {
		return fmt.Errorf("session.pending_cap must be non-negative, got %d", c.Session.PendingCap)
	}
	if c.Dataset.SampleRows <= 0 {
		return fmt.Errorf("dataset.sample_rows must be positive, got %d", c.Dataset.SampleRows)
	}
	return nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetHeartbeatInterval returns the WS ping interval as a duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDurationOr(c.Server.HeartbeatInterval, 30*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown deadline.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDurationOr(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetSyncInterval returns the periodic sync interval; 0 disables it.
func (c *Config) GetSyncInterval() time.Duration {
	if c.Dataset.SyncInterval == "" || c.Dataset.SyncInterval == "0" {
		return 0
	}
	return parseDurationOr(c.Dataset.SyncInterval, 5*time.Minute)
}

// GetWatchDebounce returns the watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDurationOr(c.Dataset.WatchDebounce, 500*time.Millisecond)
}

// GetLLMTimeout returns the reasoning-service timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDurationOr(c.LLM.Timeout, 120*time.Second)
}

// GetStageTimeout returns the per-stage deadline.
func (c *Config) GetStageTimeout() time.Duration {
	return parseDurationOr(c.Pipeline.StageTimeout, 90*time.Second)
}

// GetGracePeriod returns the disconnect grace period.
func (c *Config) GetGracePeriod() time.Duration {
	return parseDurationOr(c.Session.GracePeriod, 60*time.Second)
}
