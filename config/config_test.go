package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `fundinglogger:
  name: "TestApp"
  version: "1.0"
scheduler:
  tick_interval: 5m
  rank_lead_time: 15m
  capture_lead_time: 10m
  top_n_symbols: 3
  call_timeout: 10s
windows:
  daily_days_back: 3
  hourly_hours_back: 4
  ten_min_hours_before: 1
  one_min_minutes_before: 10
  one_min_minutes_after: 10
source:
  mexc:
    base_url: "https://contract.mexc.com"
    max_concurrent: 5
storage:
  output_dir: "data"
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")

	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.FundingLogger.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.FundingLogger.Name)
	}
	if cfg.Scheduler.TickInterval != 5*time.Minute {
		t.Errorf("unexpected tick interval: %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Source.Mexc.MaxConcurrent != 5 {
		t.Errorf("unexpected max concurrent: %d", cfg.Source.Mexc.MaxConcurrent)
	}
	// Defaults fill fields the file omits.
	if cfg.Scheduler.Retention != 24*time.Hour {
		t.Errorf("unexpected retention default: %s", cfg.Scheduler.Retention)
	}
	if cfg.Source.Mexc.Timeout != 10*time.Second {
		t.Errorf("unexpected source timeout default: %s", cfg.Source.Mexc.Timeout)
	}
}

func TestLoadConfigRejectsInvertedLeadTimes(t *testing.T) {
	content := `fundinglogger:
  name: "TestApp"
  version: "1.0"
scheduler:
  rank_lead_time: 10m
  capture_lead_time: 15m
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error for capture lead >= rank lead")
	}
}

func TestLoadConfigProductionRequiresDurableStorage(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	path := writeTempConfig(t)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected production environment to reject local-only storage")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
