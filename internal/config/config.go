// Package config loads the YAML configuration for the retrieval pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Archive ArchiveConfig `yaml:"archive"`
	REST    RESTConfig    `yaml:"rest"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Ops     OpsConfig     `yaml:"ops"`
}

// CacheConfig locates the per-day columnar cache.
type CacheConfig struct {
	Root    string `yaml:"root"`
	Enabled bool   `yaml:"enabled"`
}

// ArchiveConfig tunes the bulk archive adapter.
type ArchiveConfig struct {
	BaseURL   string  `yaml:"base_url"`
	TimeoutMS int     `yaml:"timeout_ms"` // per-day download budget
	Retries   int     `yaml:"retries"`    // transport retries
	RPS       float64 `yaml:"rps"`
	Burst     int     `yaml:"burst"`
}

// RESTConfig tunes the live REST adapter. Endpoint weight varies by vendor
// version, so the budget is configuration, not code.
type RESTConfig struct {
	SpotURL         string  `yaml:"spot_url"`
	FuturesUMURL    string  `yaml:"futures_um_url"`
	FuturesCMURL    string  `yaml:"futures_cm_url"`
	PageLimit       int     `yaml:"page_limit"`
	WeightPerMinute int     `yaml:"weight_per_minute"`
	RequestWeight   int     `yaml:"request_weight"`
	TimeoutMS       int     `yaml:"timeout_ms"` // per page
	MaxRetries      int     `yaml:"max_retries"`
	RPS             float64 `yaml:"rps"`
	Burst           int     `yaml:"burst"`
}

// FetchConfig tunes the orchestrator.
type FetchConfig struct {
	Parallelism           int `yaml:"parallelism"`
	PublicationDelayHours int `yaml:"publication_delay_hours"`
}

// OpsConfig configures the optional health/metrics listener.
type OpsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Root:    "data/cache",
			Enabled: true,
		},
		Archive: ArchiveConfig{
			BaseURL:   "https://data.binance.vision/data",
			TimeoutMS: 3000,
			Retries:   2,
			RPS:       4,
			Burst:     8,
		},
		REST: RESTConfig{
			SpotURL:         "https://api.binance.com/api/v3/klines",
			FuturesUMURL:    "https://fapi.binance.com/fapi/v1/klines",
			FuturesCMURL:    "https://dapi.binance.com/dapi/v1/klines",
			PageLimit:       1000,
			WeightPerMinute: 6000,
			RequestWeight:   2,
			TimeoutMS:       10000,
			MaxRetries:      3,
			RPS:             10,
			Burst:           20,
		},
		Fetch: FetchConfig{
			Parallelism:           4,
			PublicationDelayHours: 48,
		},
		Ops: OpsConfig{},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root must not be empty")
	}
	if c.Fetch.Parallelism <= 0 {
		return fmt.Errorf("fetch.parallelism must be positive")
	}
	if c.Fetch.PublicationDelayHours < 0 {
		return fmt.Errorf("fetch.publication_delay_hours must not be negative")
	}
	if c.REST.PageLimit <= 0 || c.REST.PageLimit > 1000 {
		return fmt.Errorf("rest.page_limit must be in (0, 1000]")
	}
	return nil
}

// PublicationDelay returns the archive candidacy cutoff.
func (c Config) PublicationDelay() time.Duration {
	return time.Duration(c.Fetch.PublicationDelayHours) * time.Hour
}
