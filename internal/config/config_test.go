package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		path := DefaultDBPath()

		expected := "/custom/cache/taxbracket/taxbracket.db"
		if path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()

		if !strings.HasSuffix(path, filepath.Join(".cache", "taxbracket", "taxbracket.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/taxbracket/taxbracket.db", path)
		}
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := DefaultConfigPath(); got != "/custom/config/taxbracket/config.toml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Queue.RetryLimit != 3 || cfg.Credits.WeeklyLimit != 1000 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if p := cfg.Credits.Policy(); !p.BetaMode || !p.WeeklyResetEnabled || p.PurchaseEnabled {
		t.Errorf("default policy = %+v", p)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
driver = "postgres"
dsn = "postgres://localhost/taxbracket"

[queue]
workers = 4
retry_delay = "10s"
poll_max_interval = "1m"

[queue.batch_size]
send-auth-email = 20

[credits]
purchase_enabled = true
weekly_reset = true

[cache]
ttl = "2h"

[[extractors]]
name = "pdf"
mime_types = ["application/pdf"]
command = "pdftocsv"
args = ["{file}"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/taxbracket" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Queue.Workers != 4 || cfg.Queue.RetryDelay != 10*time.Second || cfg.Queue.PollMaxInterval != time.Minute {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.Queue.BatchSize[domain.QueueSendAuthEmail] != 20 {
		t.Errorf("BatchSize = %v", cfg.Queue.BatchSize)
	}
	if cfg.Cache.TTL != 2*time.Hour || cfg.Cache.Capacity != 1000 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if len(cfg.Extractors) != 1 || cfg.Extractors[0].Args[0] != "{file}" {
		t.Errorf("Extractors = %+v", cfg.Extractors)
	}

	// Purchases supersede the explicit weekly reset override.
	if p := cfg.Credits.Policy(); p.WeeklyResetEnabled || !p.PurchaseEnabled {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TAXBRACKET_HTTP_ADDR", ":9090")
	t.Setenv("TAXBRACKET_WORKERS", "8")
	t.Setenv("TAXBRACKET_BETA_MODE", "false")
	t.Setenv("TAXBRACKET_WEEKLY_RESET", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Queue.Workers != 8 {
		t.Errorf("overrides not applied: addr=%s workers=%d", cfg.HTTP.Addr, cfg.Queue.Workers)
	}
	if p := cfg.Credits.Policy(); p.BetaMode || !p.WeeklyResetEnabled {
		t.Errorf("policy = %+v", p)
	}

	t.Setenv("TAXBRACKET_WORKERS", "many")
	if _, err := Load(""); err == nil {
		t.Error("Load() accepted a non-numeric worker count")
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[queue\nworkers = "), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted malformed TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"stall", func(c *Config) { c.Queue.StallTimeout = time.Second }, "stall_timeout"},
		{"batch queue", func(c *Config) { c.Queue.BatchSize = map[domain.QueueName]int{"bogus": 2} }, "unknown queue"},
		{"rates", func(c *Config) { c.Credits.CreditsPerToken = 0 }, "credits"},
		{"timezone", func(c *Config) { c.Credits.ResetTimezone = "Mars/Olympus" }, "reset_timezone"},
		{"cache", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"cache disabled", func(c *Config) { c.Cache.Enabled = false; c.Cache.Capacity = 0 }, ""},
		{"smtp host", func(c *Config) { c.Mail.Driver = "smtp" }, "smtp_host"},
		{"extractor", func(c *Config) { c.Extractors = []ExtractorConfig{{Name: "x"}} }, "extractors[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
