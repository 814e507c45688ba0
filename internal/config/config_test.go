package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
server:
  port: 9090
  shutdown_timeout: 5s

redis:
  addr: "redis.internal:6379"
  db: 2

providers:
  virustotal:
    enabled: true
    api_key_env: "MY_VT_KEY"
    timeout: 20s
    max_per_minute: 2
    max_per_day: 100
  abuseipdb:
    enabled: false

enrichment:
  max_items: 25
  item_delay: 5s

logging:
  level: "debug"
  format: "console"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// TestLoad verifies yaml values override defaults while unset fields
// keep them.
func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
	// Unset in the file, so the default survives.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}

	vt := cfg.Providers.VirusTotal
	if !vt.Enabled || vt.APIKeyEnv != "MY_VT_KEY" || vt.Timeout != 20*time.Second {
		t.Errorf("unexpected virustotal config %+v", vt)
	}
	limits := vt.Limits()
	if limits.MaxPerMinute != 2 || limits.MaxPerDay != 100 {
		t.Errorf("unexpected virustotal limits %+v", limits)
	}
	if cfg.Providers.AbuseIPDB.Enabled {
		t.Error("abuseipdb should be disabled")
	}

	if cfg.Enrichment.MaxItems != 25 || cfg.Enrichment.ItemDelay != 5*time.Second {
		t.Errorf("unexpected enrichment config %+v", cfg.Enrichment)
	}
	// Defaults retained for fields the file does not set.
	if cfg.Enrichment.StaleAfter != 24*time.Hour {
		t.Errorf("expected default stale_after, got %v", cfg.Enrichment.StaleAfter)
	}
	if cfg.Scheduler.IngestionInterval != 2*time.Hour {
		t.Errorf("expected default ingestion interval, got %v", cfg.Scheduler.IngestionInterval)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
}

// TestLoad_MissingFile verifies a clear error for an absent path.
func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

// TestLoad_MalformedYAML verifies parse failures surface.
func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [not: a: mapping")); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}

// TestEnabledProviders reflects the enabled flags.
func TestEnabledProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.VirusTotal.Enabled = true
	cfg.Providers.AbuseIPDB.Enabled = false

	got := cfg.EnabledProviders()
	if len(got) != 1 || got[0] != "virustotal" {
		t.Errorf("expected [virustotal], got %v", got)
	}
}
