// Package config provides configuration for the marketarc merge engine.
// Settings come from environment variables with the MARKETARC_ prefix, with
// sensible defaults; an optional YAML file overrides the environment for
// deployments that prefer checked-in configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the merge engine.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Audit  AuditConfig  `yaml:"audit"`
}

// StoreConfig locates and tunes the JSON store.
type StoreConfig struct {
	// Root is the store root: per-market snapshot trees plus the item_id
	// registry directory live under it. The directory must already exist.
	Root string `yaml:"root"`

	// SnapshotCache is the LRU size for parsed snapshot documents.
	SnapshotCache int `yaml:"snapshot_cache"`
}

// EngineConfig tunes batch processing.
type EngineConfig struct {
	// FeedbackWindow is the number of imported-side feedback entries used
	// for rename detection.
	FeedbackWindow int `yaml:"feedback_window"`

	// MarketWorkers bounds how many markets are processed concurrently.
	// Records within one market are always processed serially.
	MarketWorkers int `yaml:"market_workers"`
}

// AuditConfig controls the optional run audit trail.
type AuditConfig struct {
	// DSN is a sqlite file path or a postgres:// URL. Empty disables
	// auditing.
	DSN string `yaml:"dsn"`
}

// LoadConfig builds configuration from environment variables and defaults.
func LoadConfig() (*Config, error) {
	return &Config{
		Store: StoreConfig{
			Root:          getEnv("MARKETARC_STORE_ROOT", "./data"),
			SnapshotCache: getEnvInt("MARKETARC_SNAPSHOT_CACHE", 32),
		},
		Engine: EngineConfig{
			FeedbackWindow: getEnvInt("MARKETARC_FEEDBACK_WINDOW", 5),
			MarketWorkers:  getEnvInt("MARKETARC_MARKET_WORKERS", 4),
		},
		Audit: AuditConfig{
			DSN: getEnv("MARKETARC_AUDIT_DSN", ""),
		},
	}, nil
}

// LoadConfigFile loads the environment-based configuration and then applies
// the YAML file at path on top. Only keys present in the file override.
func LoadConfigFile(path string) (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	file.apply(cfg)
	return cfg, nil
}

// fileConfig mirrors Config with pointer fields so "absent from the file" is
// distinguishable from a zero value.
type fileConfig struct {
	Store struct {
		Root          *string `yaml:"root"`
		SnapshotCache *int    `yaml:"snapshot_cache"`
	} `yaml:"store"`
	Engine struct {
		FeedbackWindow *int `yaml:"feedback_window"`
		MarketWorkers  *int `yaml:"market_workers"`
	} `yaml:"engine"`
	Audit struct {
		DSN *string `yaml:"dsn"`
	} `yaml:"audit"`
}

func (f *fileConfig) apply(cfg *Config) {
	if f.Store.Root != nil {
		cfg.Store.Root = *f.Store.Root
	}
	if f.Store.SnapshotCache != nil {
		cfg.Store.SnapshotCache = *f.Store.SnapshotCache
	}
	if f.Engine.FeedbackWindow != nil {
		cfg.Engine.FeedbackWindow = *f.Engine.FeedbackWindow
	}
	if f.Engine.MarketWorkers != nil {
		cfg.Engine.MarketWorkers = *f.Engine.MarketWorkers
	}
	if f.Audit.DSN != nil {
		cfg.Audit.DSN = *f.Audit.DSN
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
