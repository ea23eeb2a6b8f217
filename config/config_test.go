package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative parallelism",
			mutate: func(cfg *Config) {
				cfg.Parallelism = -1
			},
			wantErr: "parallelism",
		},
		{
			name: "negative max pages",
			mutate: func(cfg *Config) {
				cfg.MaxPages = -1
			},
			wantErr: "max pages",
		},
		{
			name: "empty base url",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
			},
			wantErr: "base URL",
		},
		{
			name: "invalid url format",
			mutate: func(cfg *Config) {
				cfg.ListingURL = "http://"
			},
			wantErr: "listing URL",
		},
		{
			name: "template without placeholder",
			mutate: func(cfg *Config) {
				cfg.PageURLTemplate = "https://example.test/catalog?page=1"
			},
			wantErr: "{i}",
		},
		{
			name: "relative product prefix",
			mutate: func(cfg *Config) {
				cfg.ProductPathPrefix = "item"
			},
			wantErr: "product path prefix",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above max",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = time.Minute
				cfg.RetryBackoffMax = time.Second
			},
			wantErr: "retry backoff",
		},
		{
			name: "zero batch size",
			mutate: func(cfg *Config) {
				cfg.BatchSize = 0
			},
			wantErr: "batch size",
		},
		{
			name: "bad daily_at",
			mutate: func(cfg *Config) {
				cfg.DailyAt = "25:00"
			},
			wantErr: "daily_at",
		},
		{
			name: "no schedule",
			mutate: func(cfg *Config) {
				cfg.CrawlInterval = 0
			},
			wantErr: "crawl interval",
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.StorageDriver = "sqlite"
			},
			wantErr: "storage driver",
		},
		{
			name: "file driver without output",
			mutate: func(cfg *Config) {
				cfg.StorageDriver = "csv"
				cfg.OutputFile = ""
			},
			wantErr: "output file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestPageURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageURLTemplate = "http://shop.test/catalog/page-{i}"
	if got := cfg.PageURL(7); got != "http://shop.test/catalog/page-7" {
		t.Fatalf("PageURL(7) = %q", got)
	}
}

func TestDailyClock(t *testing.T) {
	cfg := DefaultConfig()
	if _, _, ok := cfg.DailyClock(); ok {
		t.Fatalf("empty daily_at should not report a clock")
	}
	cfg.DailyAt = "03:45"
	hour, minute, ok := cfg.DailyClock()
	if !ok || hour != 3 || minute != 45 {
		t.Fatalf("DailyClock() = %d:%d ok=%v, want 3:45 true", hour, minute, ok)
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.yaml")
	body := strings.Join([]string{
		"base_url: http://shop.test",
		"parallelism: 3",
		"batch_size: 20",
		"timeout: 2s",
		"storage_driver: json",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PRICES_BATCH_SIZE", "75")
	t.Setenv("PRICES_CRAWL_INTERVAL", "6h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BaseURL != "http://shop.test" {
		t.Fatalf("base url = %q", cfg.BaseURL)
	}
	if cfg.Parallelism != 3 {
		t.Fatalf("parallelism = %d, want 3", cfg.Parallelism)
	}
	if cfg.BatchSize != 75 {
		t.Fatalf("batch size = %d, want env override 75", cfg.BatchSize)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("timeout = %s, want 2s", cfg.Timeout)
	}
	if cfg.CrawlInterval != 6*time.Hour {
		t.Fatalf("crawl interval = %s, want 6h", cfg.CrawlInterval)
	}
	if cfg.StorageDriver != "json" {
		t.Fatalf("storage driver = %q", cfg.StorageDriver)
	}
}

func TestApplyEnvRejectsBadInt(t *testing.T) {
	t.Setenv("PRICES_PARALLEL", "many")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil || !strings.Contains(err.Error(), "PRICES_PARALLEL") {
		t.Fatalf("expected PRICES_PARALLEL error, got %v", err)
	}
}
