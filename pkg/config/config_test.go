package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, expected 8080", cfg.Port)
	}
	if !cfg.AutomationEnabled {
		t.Fatal("automation should default to enabled")
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, expected 5", cfg.BatchSize)
	}
	if cfg.RebalanceCooldown != 30*time.Minute {
		t.Fatalf("RebalanceCooldown = %v, expected 30m", cfg.RebalanceCooldown)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTOMATION_ENABLED", "false")
	t.Setenv("AUTOMATION_BATCH_SIZE", "10")
	t.Setenv("AUTOMATION_RUN_BUDGET", "90s")
	t.Setenv("TELEMETRY_RATE_LIMIT", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AutomationEnabled {
		t.Fatal("AUTOMATION_ENABLED=false should disable automation")
	}
	if cfg.BatchSize != 10 {
		t.Fatalf("BatchSize = %d, expected 10", cfg.BatchSize)
	}
	if cfg.RunBudget != 90*time.Second {
		t.Fatalf("RunBudget = %v, expected 90s", cfg.RunBudget)
	}
	if cfg.TelemetryRateLimit != 2.5 {
		t.Fatalf("TelemetryRateLimit = %v, expected 2.5", cfg.TelemetryRateLimit)
	}
}
