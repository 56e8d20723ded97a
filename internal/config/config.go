package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the Faultline server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Issues     IssuesConfig
	Regression RegressionConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	WriteQueueDepth int
}

type RedisConfig struct {
	URL string
}

type IssuesConfig struct {
	CacheTTL time.Duration
}

// RegressionConfig controls the periodic regression sweep. An empty Schedule
// disables it; an empty Services list sweeps every service at once.
type RegressionConfig struct {
	Schedule string
	Services []string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("FAULTLINE_PORT", 8080),
			Env:                envString("FAULTLINE_ENV", "development"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 600),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			WriteQueueDepth: envInt("WRITE_QUEUE_DEPTH", 256),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Issues: IssuesConfig{
			CacheTTL: envDuration("ISSUE_CACHE_TTL", 5*time.Minute),
		},
		Regression: RegressionConfig{
			Schedule: envStringAllowEmpty("REGRESSION_SWEEP_SCHEDULE", "@every 5m"),
			Services: envList("REGRESSION_SERVICES"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.WriteQueueDepth <= 0 {
		return fmt.Errorf("WRITE_QUEUE_DEPTH must be positive, got %d", c.Database.WriteQueueDepth)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.Server.RateLimitPerMinute)
	}

	if c.Regression.Schedule != "" {
		if _, err := cron.ParseStandard(c.Regression.Schedule); err != nil {
			return fmt.Errorf("REGRESSION_SWEEP_SCHEDULE is not a valid cron spec %q: %w", c.Regression.Schedule, err)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStringAllowEmpty distinguishes unset (default) from set-but-empty.
func envStringAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
