package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
app:
  name: test
  env: test
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Dispatcher.SystemLimit != 10 {
		t.Fatalf("expected default system limit 10, got %d", cfg.Dispatcher.SystemLimit)
	}
	if cfg.Dispatcher.DefaultUserLimit != 2 {
		t.Fatalf("expected default user limit 2, got %d", cfg.Dispatcher.DefaultUserLimit)
	}
	if cfg.Dispatcher.TickInterval != 10*time.Second {
		t.Fatalf("expected 10s tick, got %v", cfg.Dispatcher.TickInterval)
	}
	if cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("expected 3 webhook attempts, got %d", cfg.Webhook.MaxAttempts)
	}
	want := []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute}
	if len(cfg.Webhook.RetryDelays) != len(want) {
		t.Fatalf("expected default retry ladder, got %v", cfg.Webhook.RetryDelays)
	}
	for i, d := range want {
		if cfg.Webhook.RetryDelays[i] != d {
			t.Fatalf("retry delay %d: expected %v, got %v", i, d, cfg.Webhook.RetryDelays[i])
		}
	}
}

func TestLoadHonorsOperatorEnvNames(t *testing.T) {
	t.Setenv("SYSTEM_CONCURRENT_CALLS_LIMIT", "25")
	t.Setenv("DEFAULT_USER_CONCURRENT_CALLS_LIMIT", "4")
	t.Setenv("QUEUE_PROCESSOR_INTERVAL", "2500")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Dispatcher.SystemLimit != 25 {
		t.Fatalf("expected system limit from env, got %d", cfg.Dispatcher.SystemLimit)
	}
	if cfg.Dispatcher.DefaultUserLimit != 4 {
		t.Fatalf("expected user limit from env, got %d", cfg.Dispatcher.DefaultUserLimit)
	}
	if cfg.Dispatcher.TickInterval != 2500*time.Millisecond {
		t.Fatalf("expected tick interval from env in ms, got %v", cfg.Dispatcher.TickInterval)
	}
}

func TestLoadNormalizesInvalidValues(t *testing.T) {
	body := minimalConfig + `
dispatcher:
  system_limit: -1
  tick_interval: 0s
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.SystemLimit != 10 {
		t.Fatalf("expected invalid limit normalized, got %d", cfg.Dispatcher.SystemLimit)
	}
	if cfg.Dispatcher.TickInterval != 10*time.Second {
		t.Fatalf("expected invalid tick normalized, got %v", cfg.Dispatcher.TickInterval)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
