package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.MaxConcurrency != 4 {
		t.Errorf("expected max concurrency 4, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxRetries != 4 {
		t.Errorf("expected max retries 4, got %d", cfg.MaxRetries)
	}
	if cfg.AgentTimeout != 20*time.Minute {
		t.Errorf("expected agent timeout 20m, got %v", cfg.AgentTimeout)
	}
	if cfg.StallCheckInterval != 30*time.Second {
		t.Errorf("expected stall check interval 30s, got %v", cfg.StallCheckInterval)
	}
	if cfg.MaxAgentOutputBytes != 512*1024 {
		t.Errorf("expected 512KB output cap, got %d", cfg.MaxAgentOutputBytes)
	}
	if !cfg.SwarmEnabled {
		t.Error("expected swarm enabled by default")
	}
	if cfg.SpeculativeThreshold != 0.75 {
		t.Errorf("expected speculative threshold 0.75, got %v", cfg.SpeculativeThreshold)
	}
	if cfg.DefaultBackend != "claude" {
		t.Errorf("expected default backend claude, got %s", cfg.DefaultBackend)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HAIVEMIND_MAX_CONCURRENCY", "8")
	t.Setenv("HAIVEMIND_STALL_THRESHOLD_MS", "1000")
	t.Setenv("HAIVEMIND_AGENT_TIMEOUT_MS", "60000")
	t.Setenv("HAIVEMIND_CHECKPOINT_INTERVAL_MS", "5000")
	t.Setenv("HAIVEMIND_SWARM_ENABLED", "false")
	t.Setenv("PORT", "9001")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.MaxConcurrency != 8 {
		t.Errorf("expected max concurrency 8, got %d", cfg.MaxConcurrency)
	}
	if cfg.StallThreshold != time.Second {
		t.Errorf("expected stall threshold 1s, got %v", cfg.StallThreshold)
	}
	if cfg.AgentTimeout != time.Minute {
		t.Errorf("expected agent timeout 1m, got %v", cfg.AgentTimeout)
	}
	if cfg.CheckpointInterval != 5*time.Second {
		t.Errorf("expected checkpoint interval 5s, got %v", cfg.CheckpointInterval)
	}
	if cfg.SwarmEnabled {
		t.Error("expected swarm disabled")
	}
	if cfg.Port != 9001 {
		t.Errorf("expected port 9001, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
}

func TestBaseDirDefaultsToHome(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseDir == "" {
		t.Error("expected base dir to be resolved")
	}
}
