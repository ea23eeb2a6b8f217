package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// PagePlaceholder marks where the page number goes in PageURLTemplate.
const PagePlaceholder = "{i}"

var dailyAtPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Config holds harvester configuration.
type Config struct {
	// Supplier catalog.
	BaseURL           string `yaml:"base_url"`
	ListingURL        string `yaml:"listing_url"`
	PageURLTemplate   string `yaml:"page_url_template"`
	ProductPathPrefix string `yaml:"product_path_prefix"`
	VendorPrefix      string `yaml:"vendor_prefix"`
	CodeLabel         string `yaml:"code_label"`

	// Crawl.
	MaxPages          int           `yaml:"max_pages"`
	Parallelism       int           `yaml:"parallelism"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax   time.Duration `yaml:"retry_backoff_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
	RespectRobotsTxt  bool          `yaml:"respect_robots_txt"`
	DedupeMaxSize     int           `yaml:"dedupe_max_size"`
	BatchSize         int           `yaml:"batch_size"`

	// Schedule.
	CrawlInterval   time.Duration `yaml:"crawl_interval"`
	DailyAt         string        `yaml:"daily_at"`
	StartDelay      time.Duration `yaml:"start_delay"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	KeepDays        int           `yaml:"keep_days"`

	// Storage.
	StorageDriver    string `yaml:"storage_driver"` // postgres, mongo, csv or json
	PostgresDSN      string `yaml:"postgres_dsn"`
	PostgresMaxConns int    `yaml:"postgres_max_conns"`
	MongoURI         string `yaml:"mongo_uri"`
	MongoDatabase    string `yaml:"mongo_database"`
	MongoCollection  string `yaml:"mongo_collection"`
	OutputFile       string `yaml:"output_file"`
	ArchiveFile      string `yaml:"archive_file"`

	// Serving.
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultConfig returns defaults for the supplier catalog.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://game29.ru",
		ListingURL:        "https://game29.ru/catalog/",
		PageURLTemplate:   "https://game29.ru/catalog/?page={i}",
		ProductPathPrefix: "/item",
		VendorPrefix:      "Game29-",
		CodeLabel:         "Код:",

		MaxPages:          0,
		Parallelism:       5,
		Timeout:           15 * time.Second,
		MaxRetries:        1,
		RetryBackoff:      500 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		RequestsPerSecond: 10,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		RespectRobotsTxt:  false,
		DedupeMaxSize:     100000,
		BatchSize:         50,

		CrawlInterval:   24 * time.Hour,
		DailyAt:         "",
		StartDelay:      10 * time.Second,
		CleanupInterval: 24 * time.Hour,
		KeepDays:        30,

		StorageDriver:    "postgres",
		PostgresDSN:      "postgres://localhost:5432/prices",
		PostgresMaxConns: 4,
		MongoURI:         "mongodb://localhost:27017",
		MongoDatabase:    "prices",
		MongoCollection:  "product_prices",
		OutputFile:       "output/prices.csv",
		ArchiveFile:      "",

		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		Verbose:     false,
	}
}

// PageURL renders the listing URL of one page.
func (c *Config) PageURL(page int) string {
	return strings.ReplaceAll(c.PageURLTemplate, PagePlaceholder, fmt.Sprint(page))
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"base URL":    c.BaseURL,
		"listing URL": c.ListingURL,
	} {
		if err := validateURL(name, raw); err != nil {
			return err
		}
	}
	if !strings.Contains(c.PageURLTemplate, PagePlaceholder) {
		return fmt.Errorf("page URL template must contain %s", PagePlaceholder)
	}
	if err := validateURL("page URL template", c.PageURL(1)); err != nil {
		return err
	}
	if !strings.HasPrefix(c.ProductPathPrefix, "/") {
		return fmt.Errorf("product path prefix must start with /")
	}

	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DedupeMaxSize < 0 {
		return fmt.Errorf("dedupe max size cannot be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if c.CrawlInterval <= 0 && c.DailyAt == "" {
		return fmt.Errorf("crawl interval must be positive when daily_at is unset")
	}
	if c.DailyAt != "" && !dailyAtPattern.MatchString(c.DailyAt) {
		return fmt.Errorf("daily_at must be HH:MM, got %q", c.DailyAt)
	}
	if c.StartDelay < 0 {
		return fmt.Errorf("start delay cannot be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.KeepDays <= 0 {
		return fmt.Errorf("keep days must be positive")
	}

	switch c.StorageDriver {
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres DSN cannot be empty")
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("postgres max conns must be positive")
		}
	case "mongo":
		if c.MongoURI == "" || c.MongoDatabase == "" || c.MongoCollection == "" {
			return fmt.Errorf("mongo URI, database and collection are required")
		}
	case "csv", "json":
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	default:
		return fmt.Errorf("storage driver must be postgres, mongo, csv, or json")
	}

	return nil
}

// DailyClock returns the hour and minute of DailyAt. ok is false when unset.
func (c *Config) DailyClock() (hour, minute int, ok bool) {
	m := dailyAtPattern.FindStringSubmatch(c.DailyAt)
	if m == nil {
		return 0, 0, false
	}
	fmt.Sscanf(m[1], "%d", &hour)
	fmt.Sscanf(m[2], "%d", &minute)
	return hour, minute, true
}

// Queryable reports whether the storage driver supports read queries.
func (c *Config) Queryable() bool {
	return c.StorageDriver == "postgres" || c.StorageDriver == "mongo"
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
