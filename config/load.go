package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRICES_"

// Load builds a Config from defaults, an optional YAML file, an optional
// .env file and PRICES_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PRICES_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"BASE_URL":            &c.BaseURL,
		"LISTING_URL":         &c.ListingURL,
		"PAGE_URL_TEMPLATE":   &c.PageURLTemplate,
		"PRODUCT_PATH_PREFIX": &c.ProductPathPrefix,
		"VENDOR_PREFIX":       &c.VendorPrefix,
		"CODE_LABEL":          &c.CodeLabel,
		"USER_AGENT":          &c.UserAgent,
		"DAILY_AT":            &c.DailyAt,
		"STORAGE_DRIVER":      &c.StorageDriver,
		"POSTGRES_DSN":        &c.PostgresDSN,
		"MONGO_URI":           &c.MongoURI,
		"MONGO_DATABASE":      &c.MongoDatabase,
		"MONGO_COLLECTION":    &c.MongoCollection,
		"OUTPUT":              &c.OutputFile,
		"ARCHIVE":             &c.ArchiveFile,
		"HTTP_ADDR":           &c.HTTPAddr,
		"METRICS_ADDR":        &c.MetricsAddr,
	}
	for key, dst := range strs {
		if value, ok := EnvString(EnvPrefix + key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"PAGES":              &c.MaxPages,
		"PARALLEL":           &c.Parallelism,
		"MAX_RETRIES":        &c.MaxRetries,
		"DEDUPE_MAX_SIZE":    &c.DedupeMaxSize,
		"BATCH_SIZE":         &c.BatchSize,
		"KEEP_DAYS":          &c.KeepDays,
		"POSTGRES_MAX_CONNS": &c.PostgresMaxConns,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(EnvPrefix + key)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"TIMEOUT":           &c.Timeout,
		"RETRY_BACKOFF":     &c.RetryBackoff,
		"RETRY_BACKOFF_MAX": &c.RetryBackoffMax,
		"CRAWL_INTERVAL":    &c.CrawlInterval,
		"START_DELAY":       &c.StartDelay,
		"CLEANUP_INTERVAL":  &c.CleanupInterval,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(EnvPrefix + key)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		if ok {
			*dst = value
		}
	}

	if raw, ok := EnvString(EnvPrefix + "RPS"); ok {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %sRPS: %w", EnvPrefix, err)
		}
		c.RequestsPerSecond = rps
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// EnvDuration parses key as a time.Duration when it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}
