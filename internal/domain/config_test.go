package domain

import (
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnv(t *testing.T) {
	t.Run("Overrides", func(t *testing.T) {
		cfg := DefaultConfig()
		ApplyEnv(cfg, envMap(map[string]string{
			"HERON_PORT":                  "9090",
			"HERON_GREEDY_THRESHOLD":      "12",
			"HERON_TIMEOUT_SECONDS":       "30",
			"HERON_INTEREST_END":          "PROCESSING-DEADLINE",
			"HERON_DEFAULT_INTEREST_RATE": "0.031",
			"HERON_DATABASE_URL":          "postgres://db/heron",
			"HERON_NATS_QUEUE":            "analysts",
		}))

		if cfg.Server.Port != 9090 {
			t.Errorf("port = %d, want 9090", cfg.Server.Port)
		}
		if cfg.Engine.GreedyThreshold != 12 {
			t.Errorf("greedy threshold = %d, want 12", cfg.Engine.GreedyThreshold)
		}
		if cfg.Engine.Timeout != 30*time.Second {
			t.Errorf("timeout = %v, want 30s", cfg.Engine.Timeout)
		}
		if cfg.Engine.InterestEnd != InterestEndProcessingDeadline {
			t.Errorf("interest end = %s", cfg.Engine.InterestEnd)
		}
		if cfg.Engine.DefaultInterestRate.String() != "0.031" {
			t.Errorf("interest rate = %s, want 0.031", cfg.Engine.DefaultInterestRate)
		}
		if cfg.Repository.PostgresURL != "postgres://db/heron" {
			t.Errorf("database url = %q", cfg.Repository.PostgresURL)
		}
		if cfg.EventBus.NATSQueue != "analysts" {
			t.Errorf("nats queue = %q", cfg.EventBus.NATSQueue)
		}
	})

	t.Run("InvalidValuesIgnored", func(t *testing.T) {
		cfg := DefaultConfig()
		ApplyEnv(cfg, envMap(map[string]string{
			"HERON_PORT":                  "eighty",
			"HERON_GREEDY_THRESHOLD":      "-3",
			"HERON_INTEREST_END":          "never",
			"HERON_DEFAULT_INTEREST_RATE": "-0.01",
		}))

		def := DefaultConfig()
		if cfg.Server.Port != def.Server.Port {
			t.Errorf("port changed to %d", cfg.Server.Port)
		}
		if cfg.Engine.GreedyThreshold != def.Engine.GreedyThreshold {
			t.Errorf("greedy threshold changed to %d", cfg.Engine.GreedyThreshold)
		}
		if cfg.Engine.InterestEnd != InterestEndClaimDate {
			t.Errorf("interest end changed to %s", cfg.Engine.InterestEnd)
		}
		if !cfg.Engine.DefaultInterestRate.Equal(def.Engine.DefaultInterestRate) {
			t.Errorf("interest rate changed to %s", cfg.Engine.DefaultInterestRate)
		}
	})
}

func TestProConfig(t *testing.T) {
	cfg := ProConfig()
	if cfg.Tier != TierPro {
		t.Errorf("tier = %s, want pro", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
		t.Errorf("unexpected pro backends: %+v", cfg)
	}
	if cfg.Engine.GreedyThreshold != 15 || cfg.Engine.MaxIterations != 5 {
		t.Errorf("pro tier should keep engine defaults, got %+v", cfg.Engine)
	}
}
