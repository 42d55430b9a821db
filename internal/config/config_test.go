package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 3002
database:
  dsn: postgres://localhost/harvest
redis:
  url: redis://localhost:6379
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Database.DSN != "postgres://localhost/harvest" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Database.ListenDSN != cfg.Database.DSN {
		t.Fatal("listen dsn should default to the main dsn")
	}
	if cfg.Nuq.LeaseSeconds != 60 || cfg.Nuq.ReaperIntervalSeconds != 15 {
		t.Fatalf("nuq defaults: %+v", cfg.Nuq)
	}
	if cfg.Crawler.MaxPagesDefault != 100 || cfg.Crawler.HardPageLimit != 100000 {
		t.Fatalf("crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.PollIntervalMs != 500 {
		t.Fatalf("worker defaults: %+v", cfg.Worker)
	}
	if cfg.Extract.ChunkSize != 50 || cfg.Extract.RecordTTLHours != 6 {
		t.Fatalf("extract defaults: %+v", cfg.Extract)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NUQ_DATABASE_URL", "postgres://env-host/harvest")
	t.Setenv("USE_DB_AUTHENTICATION", "true")
	t.Setenv("REDIS_URL", "redis://env-host:6379")

	var cfg Config
	cfg.Database.DSN = "postgres://file-host/harvest"
	ApplyEnvOverrides(&cfg)

	if cfg.Database.DSN != "postgres://env-host/harvest" {
		t.Fatalf("dsn override lost: %q", cfg.Database.DSN)
	}
	if !cfg.Billing.Enabled {
		t.Fatal("USE_DB_AUTHENTICATION=true must enable billing")
	}
	if cfg.Redis.URL != "redis://env-host:6379" {
		t.Fatalf("redis override lost: %q", cfg.Redis.URL)
	}
}
