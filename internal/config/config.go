package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// LoggingConfig controls the slog level; the config watcher applies changes
// without a restart.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// SlogLevel maps the configured level name to a slog.Level, defaulting to
// info for empty or unknown values.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GitHubConfig holds remote API credentials and endpoint overrides.
type GitHubConfig struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url,omitempty"`
}

// DatabaseConfig holds the relational store location.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig holds the optional distributed cache location. An empty URL
// degrades the two-tier cache to L1-only.
type CacheConfig struct {
	URL          string `yaml:"url,omitempty"`
	L1MaxEntries int    `yaml:"l1_max_entries,omitempty"`
}

// EventsConfig holds the optional NATS event publisher settings. An empty URL
// selects the noop publisher.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// DiscoveryConfig tunes the discovery engine.
type DiscoveryConfig struct {
	MaxConcurrentRepositories int   `yaml:"max_concurrent_repositories,omitempty"`
	MaxPRsPerRepository       int   `yaml:"max_prs_per_repository,omitempty"`
	CacheTTLSeconds           int   `yaml:"cache_ttl_seconds,omitempty"`
	UseETagCaching            *bool `yaml:"use_etag_caching,omitempty"`
	BatchSize                 int   `yaml:"batch_size,omitempty"`
	DiscoveryTimeoutSeconds   int   `yaml:"discovery_timeout_seconds,omitempty"`
	PriorityScheduling        *bool `yaml:"priority_scheduling,omitempty"`
	IntervalSeconds           int   `yaml:"interval_seconds,omitempty"`
}

// ServerConfig holds the admin HTTP surface address.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists; absence is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Note: .env file couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Discovery.MaxConcurrentRepositories < 1 {
		return fmt.Errorf("discovery.max_concurrent_repositories must be >= 1")
	}
	if c.Discovery.IntervalSeconds < 1 {
		return fmt.Errorf("discovery.interval_seconds must be >= 1")
	}
	return nil
}

// Interval returns the inter-cycle wait as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Discovery.IntervalSeconds) * time.Second
}

// CacheTTL returns the discovery cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Discovery.CacheTTLSeconds) * time.Second
}

// DiscoveryTimeout returns the per-cycle timeout as a duration.
func (c *Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.DiscoveryTimeoutSeconds) * time.Second
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		GitHub:   GitHubConfig{Token: "${GITHUB_TOKEN}"},
		Database: DatabaseConfig{URL: "file:pr-monitor.db"},
		Cache:    CacheConfig{URL: "redis://localhost:6379/0"},
		Events:   EventsConfig{NATSURL: "nats://localhost:4222"},
		Server:   ServerConfig{Addr: ":8080"},
	}
	example.applyDefaults()

	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
