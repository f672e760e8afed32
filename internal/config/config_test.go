package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 || cfg.DispatchClaimMode != "native" || cfg.DispatchLease != 2*time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_POLL_INTERVAL", "750ms")
	t.Setenv("CIRCUIT_ERROR_THRESHOLD_PERCENT", "25.5")
	t.Setenv("SES_ADMIN_EMAILS", "ops@example.com, oncall@example.com ,")
	t.Setenv("DISPATCH_CLAIM_MODE", "lock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.DispatchPollInterval != 750*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.DispatchPollInterval)
	}
	if cfg.CircuitErrorThreshold != 25.5 {
		t.Errorf("threshold = %v", cfg.CircuitErrorThreshold)
	}
	if len(cfg.SESAdminEmails) != 2 || cfg.SESAdminEmails[1] != "oncall@example.com" {
		t.Errorf("admin emails = %q", cfg.SESAdminEmails)
	}
	if cfg.DispatchClaimMode != "lock" {
		t.Errorf("claim mode = %q", cfg.DispatchClaimMode)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"PORT":                "eighty",
		"DISPATCH_LEASE":      "soon",
		"DISPATCH_CLAIM_MODE": "magic",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WORKER_ID=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets the variable for the rest of the process.
	t.Setenv("WORKER_ID", "")
	os.Unsetenv("WORKER_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerID != "from-dotenv" {
		t.Errorf("worker id = %q", cfg.WorkerID)
	}
}

func TestParsePolicy_Overrides(t *testing.T) {
	doc := []byte(`
session_window: 12h
instagram_dm_limit: 50
tiers:
  - level: 0
    daily_limit: 250
    min_quality: 0
  - level: 1
    daily_limit: 0
    min_quality: 3
`)
	p, err := ParsePolicy(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SessionWindow != 12*time.Hour {
		t.Errorf("session window = %v", p.SessionWindow)
	}
	if p.InstagramDMLimit != 50 {
		t.Errorf("dm limit = %d", p.InstagramDMLimit)
	}
	if len(p.Tiers) != 2 || p.Tiers[0].DailyLimit != 250 || p.Tiers[1].MinQuality != 3 {
		t.Errorf("tiers = %+v", p.Tiers)
	}
	// Untouched keys keep defaults.
	if p.MarketingPerLead != 2 || p.SubscriptionWindow != 24*time.Hour {
		t.Errorf("defaults lost: %+v", p)
	}
}

func TestParsePolicy_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"bad duration":  "tier_window: forever\n",
		"gapped tiers":  "tiers:\n  - level: 1\n    daily_limit: 5\n",
		"not yaml":      "tiers: [",
		"zero duration": "session_window: 0s\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadPolicy_EmptyPathIsDefault(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Tiers) != 4 {
		t.Errorf("expected default tier table, got %d tiers", len(p.Tiers))
	}
}
