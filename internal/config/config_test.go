package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.App.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.App.HTTPAddr)
	}
	if cfg.Scraper.FetchTimeout != 25*time.Second {
		t.Fatalf("expected 25s fetch timeout, got %v", cfg.Scraper.FetchTimeout)
	}
	if cfg.Scraper.JitterMin != 120*time.Millisecond || cfg.Scraper.JitterMax != 420*time.Millisecond {
		t.Fatalf("unexpected jitter window: %v..%v", cfg.Scraper.JitterMin, cfg.Scraper.JitterMax)
	}
	if cfg.Scraper.MaxRetries != 2 {
		t.Fatalf("expected 2 retries, got %d", cfg.Scraper.MaxRetries)
	}
	if cfg.Scraper.BackoffBase != 700*time.Millisecond || cfg.Scraper.BackoffCap != 12*time.Second {
		t.Fatalf("unexpected backoff: base=%v cap=%v", cfg.Scraper.BackoffBase, cfg.Scraper.BackoffCap)
	}
	if cfg.Scraper.GateThreshold != 8 {
		t.Fatalf("expected gate threshold 8, got %d", cfg.Scraper.GateThreshold)
	}
	if cfg.Session.Mode != "cookie" {
		t.Fatalf("expected cookie session mode, got %q", cfg.Session.Mode)
	}
	if !strings.Contains(cfg.MySQL.DSN, "achadinhos") {
		t.Fatalf("unexpected default dsn: %q", cfg.MySQL.DSN)
	}
}

func TestLoad_FileWithDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"app": {"scan_interval": "30m", "batch_size": 25},
		"scraper": {"fetch_timeout": "10s", "backoff_base": "1s", "concurrency": 1}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.App.ScanInterval != 30*time.Minute {
		t.Fatalf("expected 30m scan interval, got %v", cfg.App.ScanInterval)
	}
	if cfg.App.BatchSize != 25 {
		t.Fatalf("expected batch size 25, got %d", cfg.App.BatchSize)
	}
	if cfg.Scraper.FetchTimeout != 10*time.Second {
		t.Fatalf("expected 10s fetch timeout, got %v", cfg.Scraper.FetchTimeout)
	}
	if cfg.Scraper.BackoffBase != time.Second {
		t.Fatalf("expected 1s backoff base, got %v", cfg.Scraper.BackoffBase)
	}
	// 未设置的字段回落到默认值
	if cfg.Scraper.BackoffCap != 12*time.Second {
		t.Fatalf("expected default backoff cap, got %v", cfg.Scraper.BackoffCap)
	}
	if cfg.Scraper.Concurrency != 1 {
		t.Fatalf("expected concurrency 1, got %d", cfg.Scraper.Concurrency)
	}
}

func TestLoad_InvalidDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"scraper": {"fetch_timeout": "fast"}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected invalid duration to be rejected")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCRAPER_CONCURRENCY", "4")
	t.Setenv("SCRAPER_GATE_THRESHOLD", "3")
	t.Setenv("APP_SCAN_INTERVAL", "2h")
	t.Setenv("SESSION_MODE", "cookie")
	t.Setenv("SESSION_COOKIE_FILE", "/run/secrets/ml_cookie")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Scraper.Concurrency != 4 {
		t.Fatalf("expected env concurrency 4, got %d", cfg.Scraper.Concurrency)
	}
	if cfg.Scraper.GateThreshold != 3 {
		t.Fatalf("expected env gate threshold 3, got %d", cfg.Scraper.GateThreshold)
	}
	if cfg.App.ScanInterval != 2*time.Hour {
		t.Fatalf("expected env scan interval 2h, got %v", cfg.App.ScanInterval)
	}
	if cfg.Session.CookieFile != "/run/secrets/ml_cookie" {
		t.Fatalf("expected env cookie file, got %q", cfg.Session.CookieFile)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("expected env redis addr, got %q", cfg.Redis.Addr)
	}
}

func TestLoad_DBEnvOverridesRebuildDSN(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_NAME", "catalog")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	dsn := cfg.MySQL.DSN
	for _, want := range []string{"db.internal:3306", "s3cret", "catalog"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected dsn to contain %q, got %q", want, dsn)
		}
	}
}
