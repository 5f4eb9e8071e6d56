// Package config provides configuration management for Workdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Workdeck.
type Config struct {
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Permission PermissionConfig `mapstructure:"permission"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// GatewayConfig holds the websocket gateway listener configuration.
type GatewayConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the sqlite state store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig holds agent session configuration.
type AgentConfig struct {
	// ClaudeCommand is the executable for the Claude Code stream-json backend.
	ClaudeCommand string `mapstructure:"claudeCommand"`
	// CodexCommand is the executable for the Codex JSON-RPC backend.
	CodexCommand string `mapstructure:"codexCommand"`
	// SessionIDWaitSeconds bounds the wait for the agent to report its
	// assigned session id after start.
	SessionIDWaitSeconds int `mapstructure:"sessionIdWaitSeconds"`
}

// PermissionConfig holds the tool-approval gate configuration.
type PermissionConfig struct {
	// TimeoutSeconds is how long an approval request may stay unanswered
	// before it is auto-denied.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

// WorkerConfig holds project worker configuration.
type WorkerConfig struct {
	// Command is the project worker executable.
	Command string `mapstructure:"command"`
	// FreezeAfterSeconds is the idle window before an inactive project's
	// worker process is terminated.
	FreezeAfterSeconds int `mapstructure:"freezeAfterSeconds"`
}

// SnapshotConfig holds turn snapshot storage configuration.
type SnapshotConfig struct {
	Dir          string `mapstructure:"dir"`
	DiffMaxBytes int    `mapstructure:"diffMaxBytes"`
}

// TerminalConfig holds terminal session configuration.
type TerminalConfig struct {
	// BufferBytes is the size of the per-session output ring buffer.
	BufferBytes int `mapstructure:"bufferBytes"`
	Rows        int `mapstructure:"rows"`
	Cols        int `mapstructure:"cols"`
}

// TranscriptConfig holds session transcript storage configuration.
type TranscriptConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SessionIDWait returns the session id wait as a time.Duration.
func (a *AgentConfig) SessionIDWait() time.Duration {
	return time.Duration(a.SessionIDWaitSeconds) * time.Second
}

// Timeout returns the approval timeout as a time.Duration.
func (p *PermissionConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// FreezeAfter returns the idle window as a time.Duration.
func (w *WorkerConfig) FreezeAfter() time.Duration {
	return time.Duration(w.FreezeAfterSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 7130)
	v.SetDefault("gateway.readTimeout", 30)
	v.SetDefault("gateway.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "workdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Database defaults
	v.SetDefault("database.path", "./workdeck.db")

	// Agent defaults
	v.SetDefault("agent.claudeCommand", "claude")
	v.SetDefault("agent.codexCommand", "codex")
	v.SetDefault("agent.sessionIdWaitSeconds", 3)

	// Permission defaults
	v.SetDefault("permission.timeoutSeconds", 120)

	// Worker defaults
	v.SetDefault("worker.command", "workdeck-worker")
	v.SetDefault("worker.freezeAfterSeconds", 60)

	// Snapshot defaults
	v.SetDefault("snapshot.dir", "~/.workdeck/snapshots")
	v.SetDefault("snapshot.diffMaxBytes", 1024*1024)

	// Terminal defaults
	v.SetDefault("terminal.bufferBytes", 200*1024)
	v.SetDefault("terminal.rows", 24)
	v.SetDefault("terminal.cols", 80)

	// Transcript defaults
	v.SetDefault("transcript.dir", "~/.workdeck/projects")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WORKDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/workdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WORKDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.claudeCommand", "WORKDECK_AGENT_CLAUDE_COMMAND")
	_ = v.BindEnv("agent.codexCommand", "WORKDECK_AGENT_CODEX_COMMAND")
	_ = v.BindEnv("worker.command", "WORKDECK_WORKER_COMMAND")
	_ = v.BindEnv("database.path", "WORKDECK_DATABASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/workdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if cfg.Permission.TimeoutSeconds <= 0 {
		errs = append(errs, "permission.timeoutSeconds must be positive")
	}
	if cfg.Worker.FreezeAfterSeconds <= 0 {
		errs = append(errs, "worker.freezeAfterSeconds must be positive")
	}
	if cfg.Terminal.BufferBytes <= 0 {
		errs = append(errs, "terminal.bufferBytes must be positive")
	}
	if cfg.Snapshot.DiffMaxBytes <= 0 {
		errs = append(errs, "snapshot.diffMaxBytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
