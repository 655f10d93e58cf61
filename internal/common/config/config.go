// Package config provides configuration management for kbot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for kbot.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Session    SessionConfig    `mapstructure:"session"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// StorageConfig holds the durable store layout.
type StorageConfig struct {
	// BaseDir is the root under which sessions/ and conversations/ live.
	BaseDir string `mapstructure:"baseDir"`

	// LockTimeout is how long to wait for a .lock file, in milliseconds.
	LockTimeout int `mapstructure:"lockTimeoutMs"`
}

// AgentConfig describes the agent subprocess the bot talks to.
type AgentConfig struct {
	// Name is the agent identity used in session keys (agent:<name>:...).
	Name string `mapstructure:"name"`

	// Command and Args form the agent argv.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// WorkDir is the agent working directory. Empty means inherit.
	WorkDir string `mapstructure:"workDir"`

	// Env is extra environment for the agent, KEY=VALUE form.
	Env []string `mapstructure:"env"`

	// RequestTimeout is the default JSON-RPC request timeout in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`

	// PromptTimeout overrides the timeout for session/prompt in seconds.
	PromptTimeout int `mapstructure:"promptTimeout"`

	// StderrBufferSize is the ring buffer capacity for agent stderr lines.
	StderrBufferSize int `mapstructure:"stderrBufferSize"`
}

// SessionConfig controls session reuse, rotation and recovery.
type SessionConfig struct {
	// RotationThreshold is the context usage fraction above which a session
	// is rotated instead of reused.
	RotationThreshold float64 `mapstructure:"rotationThreshold"`

	// RecentWindow is the recovery window in minutes: a conversation updated
	// within this window is recovered on a cold start.
	RecentWindow int `mapstructure:"recentWindowMinutes"`
}

// UsageConfig controls the context usage probe.
type UsageConfig struct {
	DebounceInterval int `mapstructure:"debounceIntervalSeconds"`
	ProbeTimeout     int `mapstructure:"probeTimeoutSeconds"`
}

// ChannelConfig controls adapter health checks and the send queue.
type ChannelConfig struct {
	HealthCheckInterval  int `mapstructure:"healthCheckIntervalSeconds"`
	FailureThreshold     int `mapstructure:"failureThreshold"`
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`
	ReconnectDelay       int `mapstructure:"reconnectDelaySeconds"`
	SendMaxAttempts      int `mapstructure:"sendMaxAttempts"`
	DrainTimeout         int `mapstructure:"drainTimeoutSeconds"`

	// Websocket reference adapter; empty URL disables it.
	WebsocketURL string `mapstructure:"websocketUrl"`
}

// StreamingConfig controls the coalescer and the update batcher.
type StreamingConfig struct {
	MinChars         int `mapstructure:"minChars"`
	IdleFlush        int `mapstructure:"idleFlushMs"`
	BatchDebounce    int `mapstructure:"batchDebounceMs"`
	BatchQueueCap    int `mapstructure:"batchQueueCap"`
	EditBucketSize   int `mapstructure:"editBucketSize"`
	EditRefillPerSec int `mapstructure:"editRefillPerSec"`
}

// SupervisorConfig controls respawn backoff and shutdown draining.
type SupervisorConfig struct {
	BackoffMin      int `mapstructure:"backoffMinMs"`
	BackoffMax      int `mapstructure:"backoffMaxMs"`
	ShutdownTimeout int `mapstructure:"shutdownTimeoutSeconds"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds the optional admin HTTP API.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// TracingConfig holds optional OTLP trace export settings.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"` // empty disables tracing
	Insecure bool   `mapstructure:"insecure"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LockTimeoutDuration returns the lock timeout as a time.Duration.
func (s *StorageConfig) LockTimeoutDuration() time.Duration {
	return time.Duration(s.LockTimeout) * time.Millisecond
}

// RequestTimeoutDuration returns the default request timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// PromptTimeoutDuration returns the prompt timeout as a time.Duration.
func (a *AgentConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(a.PromptTimeout) * time.Second
}

// RecentWindowDuration returns the recovery window as a time.Duration.
func (s *SessionConfig) RecentWindowDuration() time.Duration {
	return time.Duration(s.RecentWindow) * time.Minute
}

// DebounceDuration returns the usage probe debounce as a time.Duration.
func (u *UsageConfig) DebounceDuration() time.Duration {
	return time.Duration(u.DebounceInterval) * time.Second
}

// ProbeTimeoutDuration returns the usage probe timeout as a time.Duration.
func (u *UsageConfig) ProbeTimeoutDuration() time.Duration {
	return time.Duration(u.ProbeTimeout) * time.Second
}

// IdleFlushDuration returns the coalescer idle flush delay as a time.Duration.
func (s *StreamingConfig) IdleFlushDuration() time.Duration {
	return time.Duration(s.IdleFlush) * time.Millisecond
}

// BatchDebounceDuration returns the update batcher debounce as a time.Duration.
func (s *StreamingConfig) BatchDebounceDuration() time.Duration {
	return time.Duration(s.BatchDebounce) * time.Millisecond
}

// ShutdownTimeoutDuration returns the drain bound as a time.Duration.
func (s *SupervisorConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("KBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kbot"
	}
	return filepath.Join(home, ".kbot")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.baseDir", defaultBaseDir())
	v.SetDefault("storage.lockTimeoutMs", 5000)

	// Agent defaults
	v.SetDefault("agent.name", "main")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.requestTimeout", 60)
	v.SetDefault("agent.promptTimeout", 600)
	v.SetDefault("agent.stderrBufferSize", 2000)

	// Session defaults
	v.SetDefault("session.rotationThreshold", 0.70)
	v.SetDefault("session.recentWindowMinutes", 30)

	// Usage defaults
	v.SetDefault("usage.debounceIntervalSeconds", 30)
	v.SetDefault("usage.probeTimeoutSeconds", 15)

	// Channel defaults
	v.SetDefault("channel.healthCheckIntervalSeconds", 30)
	v.SetDefault("channel.failureThreshold", 3)
	v.SetDefault("channel.maxReconnectAttempts", 5)
	v.SetDefault("channel.reconnectDelaySeconds", 5)
	v.SetDefault("channel.sendMaxAttempts", 5)
	v.SetDefault("channel.drainTimeoutSeconds", 10)
	v.SetDefault("channel.websocketUrl", "")

	// Streaming defaults
	v.SetDefault("streaming.minChars", 400)
	v.SetDefault("streaming.idleFlushMs", 1500)
	v.SetDefault("streaming.batchDebounceMs", 200)
	v.SetDefault("streaming.batchQueueCap", 50)
	v.SetDefault("streaming.editBucketSize", 5)
	v.SetDefault("streaming.editRefillPerSec", 1)

	// Supervisor defaults
	v.SetDefault("supervisor.backoffMinMs", 500)
	v.SetDefault("supervisor.backoffMaxMs", 30000)
	v.SetDefault("supervisor.shutdownTimeoutSeconds", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kbot")
	v.SetDefault("nats.maxReconnects", 10)

	// Gateway defaults
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 8991)

	// Tracing defaults - empty endpoint disables tracing
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KBOT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.kbot/, or /etc/kbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("storage.baseDir", "KBOT_STORAGE_BASE_DIR")
	_ = v.BindEnv("agent.command", "KBOT_AGENT_COMMAND")
	_ = v.BindEnv("channel.websocketUrl", "KBOT_CHANNEL_WEBSOCKET_URL")
	_ = v.BindEnv("tracing.endpoint", "KBOT_TRACING_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultBaseDir())
	v.AddConfigPath("/etc/kbot/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Storage.BaseDir == "" {
		errs = append(errs, "storage.baseDir is required")
	}
	if cfg.Storage.LockTimeout <= 0 {
		errs = append(errs, "storage.lockTimeoutMs must be positive")
	}

	if cfg.Session.RotationThreshold <= 0 || cfg.Session.RotationThreshold > 1 {
		errs = append(errs, "session.rotationThreshold must be in (0, 1]")
	}
	if cfg.Session.RecentWindow < 0 {
		errs = append(errs, "session.recentWindowMinutes must not be negative")
	}

	if cfg.Channel.FailureThreshold <= 0 {
		errs = append(errs, "channel.failureThreshold must be positive")
	}
	if cfg.Channel.SendMaxAttempts <= 0 {
		errs = append(errs, "channel.sendMaxAttempts must be positive")
	}

	if cfg.Streaming.EditBucketSize <= 0 {
		errs = append(errs, "streaming.editBucketSize must be positive")
	}

	if cfg.Supervisor.BackoffMin <= 0 || cfg.Supervisor.BackoffMax < cfg.Supervisor.BackoffMin {
		errs = append(errs, "supervisor backoff bounds must satisfy 0 < min <= max")
	}

	if cfg.Gateway.Enabled && (cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535) {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
