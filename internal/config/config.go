// Package config provides configuration management for the proxy.
// It supports loading configuration from environment variables, config files,
// and defaults, following the same layered approach for every section.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the proxy.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	ClaudeCLI    ClaudeCLIConfig    `mapstructure:"claudeCli"`
	Session      SessionConfig      `mapstructure:"session"`
	Permission   PermissionConfig   `mapstructure:"permission"`
	Cancellation CancellationConfig `mapstructure:"cancellation"`
	Mcp          McpConfig          `mapstructure:"mcp"`
	EditorBuffer EditorBufferConfig `mapstructure:"editorBuffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ClaudeCLIConfig holds configuration for spawning the claude CLI child
// process.
type ClaudeCLIConfig struct {
	BinaryPath            string   `mapstructure:"binaryPath"`
	ExtraArgs             []string `mapstructure:"extraArgs"`
	GracefulShutdownGrace int      `mapstructure:"gracefulShutdownGrace"` // in milliseconds
}

// GracefulShutdownGraceDuration returns the grace period as a
// time.Duration.
func (c *ClaudeCLIConfig) GracefulShutdownGraceDuration() time.Duration {
	return time.Duration(c.GracefulShutdownGrace) * time.Millisecond
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	AllowedCwdRoots    []string `mapstructure:"allowedCwdRoots"`
	MaxContextMessages int      `mapstructure:"maxContextMessages"`
}

// PermissionConfig holds tool-call permission policy configuration.
type PermissionConfig struct {
	AskTimeoutSeconds int    `mapstructure:"askTimeoutSeconds"`
	DefaultPolicy     string `mapstructure:"defaultPolicy"` // allow, deny, ask
}

// AskTimeoutDuration returns the ask timeout as a time.Duration.
func (p *PermissionConfig) AskTimeoutDuration() time.Duration {
	return time.Duration(p.AskTimeoutSeconds) * time.Second
}

// CancellationConfig holds cancellation propagation configuration.
type CancellationConfig struct {
	TargetLatencyMS int `mapstructure:"targetLatencyMs"`
}

// McpConfig holds MCP server capability gating configuration.
type McpConfig struct {
	HTTPEnabled  bool     `mapstructure:"httpEnabled"`
	SSEEnabled   bool     `mapstructure:"sseEnabled"`
	AllowedHosts []string `mapstructure:"allowedHosts"`
}

// EditorBufferConfig holds editor buffer cache configuration.
type EditorBufferConfig struct {
	TTLSeconds int `mapstructure:"ttlSeconds"`
}

// TTLDuration returns the buffer TTL as a time.Duration.
func (e *EditorBufferConfig) TTLDuration() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment. Returns "json" if running in Kubernetes or other production
// environments, and "console" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLAUDE_ACP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Claude CLI defaults
	v.SetDefault("claudeCli.binaryPath", "claude")
	v.SetDefault("claudeCli.extraArgs", []string{})
	v.SetDefault("claudeCli.gracefulShutdownGrace", 5000)

	// Session defaults
	v.SetDefault("session.allowedCwdRoots", []string{})
	v.SetDefault("session.maxContextMessages", 500)

	// Permission defaults
	v.SetDefault("permission.askTimeoutSeconds", 60)
	v.SetDefault("permission.defaultPolicy", "ask")

	// Cancellation defaults
	v.SetDefault("cancellation.targetLatencyMs", 100)

	// Mcp defaults
	v.SetDefault("mcp.httpEnabled", false)
	v.SetDefault("mcp.sseEnabled", false)
	v.SetDefault("mcp.allowedHosts", []string{})

	// EditorBuffer defaults
	v.SetDefault("editorBuffer.ttlSeconds", 1)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CLAUDE_ACP_ with
// snake_case naming. Config file should be named config.yaml and placed in
// the current directory or /etc/claude-acp-proxy/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLAUDE_ACP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "CLAUDE_ACP_LOG_LEVEL")
	_ = v.BindEnv("claudeCli.binaryPath", "CLAUDE_ACP_CLAUDE_CLI_BINARY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claude-acp-proxy/")

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

// validate checks that all configuration fields hold sane values.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if cfg.ClaudeCLI.BinaryPath == "" {
		errs = append(errs, "claudeCli.binaryPath is required")
	}
	if cfg.ClaudeCLI.GracefulShutdownGrace <= 0 {
		errs = append(errs, "claudeCli.gracefulShutdownGrace must be positive")
	}

	if cfg.Session.MaxContextMessages <= 0 {
		errs = append(errs, "session.maxContextMessages must be positive")
	}

	validPolicies := map[string]bool{"allow": true, "deny": true, "ask": true}
	if !validPolicies[strings.ToLower(cfg.Permission.DefaultPolicy)] {
		errs = append(errs, "permission.defaultPolicy must be one of: allow, deny, ask")
	}
	if cfg.Permission.AskTimeoutSeconds <= 0 {
		errs = append(errs, "permission.askTimeoutSeconds must be positive")
	}

	if cfg.Cancellation.TargetLatencyMS <= 0 {
		errs = append(errs, "cancellation.targetLatencyMs must be positive")
	}

	if cfg.EditorBuffer.TTLSeconds <= 0 {
		errs = append(errs, "editorBuffer.ttlSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
