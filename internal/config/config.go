package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete nopub configuration
type Config struct {
	Relay      Relay      `yaml:"relay"`
	Storage    Storage    `yaml:"storage"`
	Broker     Broker     `yaml:"broker"`
	Cache      Cache      `yaml:"cache"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Moderation Moderation `yaml:"moderation"`
	Retention  Retention  `yaml:"retention"`
	Logging    Logging    `yaml:"logging"`
}

// Relay contains the public-facing relay settings
type Relay struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Pubkey      string `yaml:"pubkey"`
	Contact     string `yaml:"contact"`

	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`

	// MaxEventBytes caps the serialized size of a published event.
	MaxEventBytes int `yaml:"max_event_bytes"`

	// IdleTimeoutSeconds is how long a connection may stay silent before
	// the sweeper closes it. Zero disables the sweep.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// QueryTimeoutMs bounds a single REQ's storage query.
	QueryTimeoutMs int `yaml:"query_timeout_ms"`
}

// Storage contains the event store settings
type Storage struct {
	Driver     string `yaml:"driver"` // "sqlite"
	SQLitePath string `yaml:"sqlite_path"`

	// Separate bounded pools so subscription reads cannot starve writes.
	ReadPoolSize  int `yaml:"read_pool_size"`
	WritePoolSize int `yaml:"write_pool_size"`
}

// Broker contains the fan-out channel settings
type Broker struct {
	Driver    string `yaml:"driver"` // "local" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	Topic     string `yaml:"topic"`
}

// Cache contains the query-result cache settings
type Cache struct {
	Driver     string `yaml:"driver"` // "memory" or "redis"
	RedisAddr  string `yaml:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// RateLimit contains the per-client token bucket settings
type RateLimit struct {
	Enabled         bool    `yaml:"enabled"`
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	MaxTokens       float64 `yaml:"max_tokens"`
	MaxBuckets      int     `yaml:"max_buckets"`
}

// Moderation contains the author allow/ban lists
type Moderation struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedPubkeys []string `yaml:"allowed_pubkeys"`
	BannedPubkeys  []string `yaml:"banned_pubkeys"`
}

// Retention contains the old-event pruning settings
type Retention struct {
	Enabled            bool `yaml:"enabled"`
	MaxAgeDays         int  `yaml:"max_age_days"`
	PruneIntervalHours int  `yaml:"prune_interval_hours"`
}

// Logging contains log output settings
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads, parses and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero values with sensible defaults
func (c *Config) ApplyDefaults() {
	if c.Relay.Name == "" {
		c.Relay.Name = "nopub"
	}
	if c.Relay.Bind == "" {
		c.Relay.Bind = "0.0.0.0"
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = 8080
	}
	if c.Relay.MaxEventBytes == 0 {
		c.Relay.MaxEventBytes = 10000
	}
	if c.Relay.IdleTimeoutSeconds == 0 {
		c.Relay.IdleTimeoutSeconds = 300
	}
	if c.Relay.QueryTimeoutMs == 0 {
		c.Relay.QueryTimeoutMs = 5000
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "nopub.db"
	}
	if c.Storage.ReadPoolSize == 0 {
		c.Storage.ReadPoolSize = 8
	}
	if c.Storage.WritePoolSize == 0 {
		c.Storage.WritePoolSize = 1
	}

	if c.Broker.Driver == "" {
		c.Broker.Driver = "local"
	}
	if c.Broker.Topic == "" {
		c.Broker.Topic = "nopub:events"
	}
	if c.Broker.RedisAddr == "" {
		c.Broker.RedisAddr = "localhost:6379"
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 240
	}
	if c.Cache.RedisAddr == "" {
		c.Cache.RedisAddr = c.Broker.RedisAddr
	}

	if c.RateLimit.TokensPerSecond == 0 {
		c.RateLimit.TokensPerSecond = 10
	}
	if c.RateLimit.MaxTokens == 0 {
		c.RateLimit.MaxTokens = 50
	}
	if c.RateLimit.MaxBuckets == 0 {
		c.RateLimit.MaxBuckets = 10000
	}

	if c.Retention.MaxAgeDays == 0 {
		c.Retention.MaxAgeDays = 90
	}
	if c.Retention.PruneIntervalHours == 0 {
		c.Retention.PruneIntervalHours = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port must be between 1 and 65535, got %d", c.Relay.Port)
	}
	if c.Relay.MaxEventBytes < 0 {
		return fmt.Errorf("relay.max_event_bytes must not be negative")
	}

	switch c.Storage.Driver {
	case "sqlite":
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.ReadPoolSize < 1 {
		return fmt.Errorf("storage.read_pool_size must be at least 1")
	}
	if c.Storage.WritePoolSize < 1 {
		return fmt.Errorf("storage.write_pool_size must be at least 1")
	}

	switch c.Broker.Driver {
	case "local":
	case "redis":
		if c.Broker.RedisAddr == "" {
			return fmt.Errorf("broker.redis_addr is required for the redis broker")
		}
	default:
		return fmt.Errorf("unsupported broker driver: %s", c.Broker.Driver)
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unsupported cache driver: %s", c.Cache.Driver)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.TokensPerSecond <= 0 {
			return fmt.Errorf("rate_limit.tokens_per_second must be positive")
		}
		if c.RateLimit.MaxTokens < 1 {
			return fmt.Errorf("rate_limit.max_tokens must be at least 1")
		}
	}

	for _, pk := range append(append([]string{}, c.Moderation.AllowedPubkeys...), c.Moderation.BannedPubkeys...) {
		if len(pk) != 64 || strings.Trim(pk, "0123456789abcdef") != "" {
			return fmt.Errorf("moderation pubkey %q is not 64 lowercase hex characters", pk)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}

	return nil
}

// ListenAddr returns the host:port pair the relay binds to
func (c *Relay) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// IdleTimeout returns the idle sweep threshold as a duration
func (c *Relay) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// QueryTimeout returns the storage query bound as a duration
func (c *Relay) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// TTL returns the cache time-to-live as a duration
func (c *Cache) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxAge returns the retention cutoff as a duration
func (c *Retention) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// PruneInterval returns the pruning cadence as a duration
func (c *Retention) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalHours) * time.Hour
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}
