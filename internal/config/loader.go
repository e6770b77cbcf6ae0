package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // used when output is "file"
	TimeFormat string `yaml:"time_format"` // rfc3339, unix, iso8601
}

// ServerConfig holds the operational HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig holds volatile-store settings. The connection URL comes from
// the REDIS_URL environment variable, never from the YAML file.
type RedisConfig struct {
	URL         string `yaml:"-"`
	OpTimeoutMS int    `yaml:"op_timeout_ms"`
}

// OpTimeout returns the per-operation timeout for volatile-store calls.
func (c RedisConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutMS) * time.Millisecond
}

// PostgresConfig holds durable-store settings. The connection URL comes from
// the DATABASE_URL environment variable.
type PostgresConfig struct {
	URL            string `yaml:"-"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
}

// QueryTimeout returns the per-query timeout for durable-store calls.
func (c PostgresConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// CacheConfig holds tier TTLs for the question-pool cache.
type CacheConfig struct {
	PoolTTLHours     int `yaml:"pool_ttl_hours"`     // tier 1 (volatile), default 24h
	DurableTTLDays   int `yaml:"durable_ttl_days"`   // tier 2 (durable), default 7d
	QuestionTTLHours int `yaml:"question_ttl_hours"` // per-question hot cache, default 1h
}

// PoolTTL returns the tier-1 TTL.
func (c CacheConfig) PoolTTL() time.Duration {
	return time.Duration(c.PoolTTLHours) * time.Hour
}

// DurableTTL returns the tier-2 TTL.
func (c CacheConfig) DurableTTL() time.Duration {
	return time.Duration(c.DurableTTLDays) * 24 * time.Hour
}

// QuestionTTL returns the per-question hot-cache TTL.
func (c CacheConfig) QuestionTTL() time.Duration {
	return time.Duration(c.QuestionTTLHours) * time.Hour
}

// SessionConfig holds hot-state TTLs.
type SessionConfig struct {
	TTLMinutes     int `yaml:"ttl_minutes"`      // sliding expiry window, default 30m
	LockTTLSeconds int `yaml:"lock_ttl_seconds"` // submission lock TTL, default 5s
}

// TTL returns the session hot-state TTL.
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// LockTTL returns the submission lock TTL.
func (c SessionConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// SweeperConfig holds the inactivity sweeper schedule.
type SweeperConfig struct {
	IntervalMinutes   int `yaml:"interval_minutes"`   // default 10m
	InactivityMinutes int `yaml:"inactivity_minutes"` // default 30m
}

// Interval returns how often the sweeper runs.
func (c SweeperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// InactivityThreshold returns the inactivity cutoff for reaping sessions.
func (c SweeperConfig) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityMinutes) * time.Minute
}

// SourceConfig holds the external source-of-truth client settings. The API
// key comes from the SOURCE_API_KEY environment variable.
type SourceConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request timeout for source calls.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Source   SourceConfig   `yaml:"source"`
}

// Load reads configuration from a YAML file, applies defaults and overlays
// secrets and connection URLs from the environment.
func Load(path string) (*Config, error) {
	config := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	applyEnv(config)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: "rfc3339",
		},
		Redis:    RedisConfig{OpTimeoutMS: 500},
		Postgres: PostgresConfig{QueryTimeoutMS: 3000},
		Cache: CacheConfig{
			PoolTTLHours:     24,
			DurableTTLDays:   7,
			QuestionTTLHours: 1,
		},
		Session: SessionConfig{
			TTLMinutes:     30,
			LockTTLSeconds: 5,
		},
		Sweeper: SweeperConfig{
			IntervalMinutes:   10,
			InactivityMinutes: 30,
		},
		Source: SourceConfig{
			TimeoutSeconds: 30,
			PageSize:       100,
			MaxRetries:     3,
		},
	}
}

func applyEnv(config *Config) {
	config.Redis.URL = os.Getenv("REDIS_URL")
	config.Postgres.URL = os.Getenv("DATABASE_URL")
	config.Source.APIKey = os.Getenv("SOURCE_API_KEY")

	if v := os.Getenv("SOURCE_API_URL"); v != "" {
		config.Source.BaseURL = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("SOURCE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Source.PageSize = n
		}
	}
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL environment variable is required")
	}
	if c.Postgres.URL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url is required (config or SOURCE_API_URL)")
	}
	if c.Cache.PoolTTL() >= c.Cache.DurableTTL() {
		return fmt.Errorf("tier-1 pool TTL (%s) must be shorter than tier-2 TTL (%s)",
			c.Cache.PoolTTL(), c.Cache.DurableTTL())
	}
	if c.Session.LockTTLSeconds <= 0 {
		return fmt.Errorf("session lock TTL must be positive")
	}
	return nil
}
