// Package config handles configuration loading for the haivemind engine.
// Values come from environment variables (HAIVEMIND_ prefix), an optional
// .env file, and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int `mapstructure:"port"`
	// LogLevel is the zap level: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// LogFormat is console or json.
	LogFormat string `mapstructure:"log_format"`
	// BaseDir is the root of the on-disk project layout.
	BaseDir string `mapstructure:"base_dir"`

	// MaxConcurrency is the base cap on concurrent agents per session.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// MaxRetries is the retry count at which a task blocks.
	MaxRetries int `mapstructure:"max_retries"`
	// AgentTimeout is the per-agent hard execution limit.
	AgentTimeout time.Duration `mapstructure:"-"`
	// OrchestratorTimeout bounds planner and verifier invocations.
	OrchestratorTimeout time.Duration `mapstructure:"-"`
	// SessionRetention is how long finalized sessions stay in memory.
	SessionRetention time.Duration `mapstructure:"-"`
	// MaxAgentOutputBytes bounds each agent's output ring buffer.
	MaxAgentOutputBytes int `mapstructure:"max_agent_output_bytes"`

	// StallThreshold is how long a task may run before its outgoing
	// edges become rewrite candidates.
	StallThreshold time.Duration `mapstructure:"-"`
	// StallCheckInterval is the stall detector tick period.
	StallCheckInterval time.Duration `mapstructure:"-"`

	// DefaultBackend names the agent backend from the catalog.
	DefaultBackend string `mapstructure:"default_backend"`
	// BackendCatalog is the path to backends.yaml. Empty uses built-ins.
	BackendCatalog string `mapstructure:"backend_catalog"`

	// SwarmEnabled toggles dynamic scaling, speculation, and splitting.
	SwarmEnabled bool `mapstructure:"swarm_enabled"`
	// SwarmMaxConcurrency is the hard cap on the dynamic limit.
	SwarmMaxConcurrency int `mapstructure:"swarm_max_concurrency"`
	// SpeculativeThreshold is the done-deps ratio enabling speculation.
	SpeculativeThreshold float64 `mapstructure:"speculative_threshold"`
	// TaskSplitAfterRetries is the retry count that triggers a split.
	TaskSplitAfterRetries int `mapstructure:"task_split_after_retries"`

	// CheckpointInterval is the periodic checkpoint flush period.
	CheckpointInterval time.Duration `mapstructure:"-"`

	// PluginsDir is where plugin manifests live.
	PluginsDir string `mapstructure:"plugins_dir"`
	// PluginsAutoload reloads the plugin registry on manifest changes.
	PluginsAutoload bool `mapstructure:"plugins_autoload"`

	// AgentStreamInterval coalesces AGENT_STREAM broadcasts.
	AgentStreamInterval time.Duration `mapstructure:"-"`
}

// Load reads configuration from the environment, honoring an optional
// .env file in the working directory.
func Load() (*Config, error) {
	// Missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		if _, statErr := os.Stat(".env"); statErr == nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HAIVEMIND")
	v.AutomaticEnv()

	// PORT, LOG_LEVEL, and LOG_FORMAT are conventionally unprefixed.
	bindPlain(v, "port", "PORT")
	bindPlain(v, "log_level", "LOG_LEVEL")
	bindPlain(v, "log_format", "LOG_FORMAT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	normalizeDurations(v, cfg)

	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving base dir: %w", err)
		}
		cfg.BaseDir = filepath.Join(home, "haivemind")
	}

	return cfg, nil
}

// bindPlain binds a key to an unprefixed environment variable.
func bindPlain(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// setDefaults configures built-in defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 4777)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("base_dir", "")

	v.SetDefault("max_concurrency", 4)
	v.SetDefault("max_retries", 4)
	v.SetDefault("agent_timeout_ms", 20*60*1000)
	v.SetDefault("orchestrator_timeout_ms", 5*60*1000)
	v.SetDefault("session_retention_ms", 24*60*60*1000)
	v.SetDefault("max_agent_output_bytes", 512*1024)

	v.SetDefault("stall_threshold_ms", 4*60*1000)
	v.SetDefault("stall_check_interval_ms", 30*1000)

	v.SetDefault("default_backend", "claude")
	v.SetDefault("backend_catalog", "")

	v.SetDefault("swarm_enabled", true)
	v.SetDefault("swarm_max_concurrency", 12)
	v.SetDefault("speculative_threshold", 0.75)
	v.SetDefault("task_split_after_retries", 2)

	v.SetDefault("checkpoint_interval_ms", 30*1000)

	v.SetDefault("plugins_dir", "")
	v.SetDefault("plugins_autoload", false)

	v.SetDefault("agent_stream_interval_ms", 750)
}

// normalizeDurations reads the *_ms keys and converts them to
// durations. The duration fields are excluded from Unmarshal: viper's
// decode hook would choke on bare-integer env strings like "30000".
func normalizeDurations(v *viper.Viper, cfg *Config) {
	cfg.AgentTimeout = time.Duration(v.GetInt64("agent_timeout_ms")) * time.Millisecond
	cfg.OrchestratorTimeout = time.Duration(v.GetInt64("orchestrator_timeout_ms")) * time.Millisecond
	cfg.SessionRetention = time.Duration(v.GetInt64("session_retention_ms")) * time.Millisecond
	cfg.StallThreshold = time.Duration(v.GetInt64("stall_threshold_ms")) * time.Millisecond
	cfg.StallCheckInterval = time.Duration(v.GetInt64("stall_check_interval_ms")) * time.Millisecond
	cfg.CheckpointInterval = time.Duration(v.GetInt64("checkpoint_interval_ms")) * time.Millisecond
	cfg.AgentStreamInterval = time.Duration(v.GetInt64("agent_stream_interval_ms")) * time.Millisecond
}

// Default returns a Config with built-in defaults, for tests and tools
// that do not want environment lookups.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("defaults must unmarshal: %v", err))
	}
	normalizeDurations(v, cfg)
	cfg.BaseDir = filepath.Join(os.TempDir(), "haivemind")
	return cfg
}
