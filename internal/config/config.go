package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the PostFlow server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Health    HealthConfig
	Quota     QuotaConfig
	Publish   PublishConfig
	Upstream  UpstreamConfig
	Secrets   SecretsConfig
}

type UpstreamConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	OpTimeout time.Duration
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
	// BypassEnabled only takes effect outside production; see ratelimit.Limiter.
	BypassEnabled bool
}

type HealthConfig struct {
	Series            string
	WindowMinutes     int
	DegradedThreshold float64
	DownThreshold     float64
}

type QuotaConfig struct {
	PlanRequestsPerMinute int64
	PlanRequestsPerDay    int64
	PlanTokensPerDay      int64
}

type PublishConfig struct {
	PollInterval  time.Duration
	RetryBackoff  time.Duration
	SenderTimeout time.Duration
	BatchSize     int
	// Per-platform API base URLs, overridable for staging sandboxes.
	LinkedInBaseURL string
	XBaseURL        string
	MastodonBaseURL string
}

type SecretsConfig struct {
	// TokenKey is the 32-byte secretbox key for social access tokens,
	// supplied as 64 hex characters.
	TokenKey [32]byte
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("POSTFLOW_PORT", 8080),
			Env:  envString("POSTFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			OpTimeout: envDuration("REDIS_OP_TIMEOUT", 2*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:        envDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
			MaxRequests:   envInt("RATE_LIMIT_MAX_REQUESTS", 100),
			BypassEnabled: envBool("RATE_LIMIT_BYPASS", false),
		},
		Health: HealthConfig{
			Series:            envString("HEALTH_SERIES", "generation"),
			WindowMinutes:     envInt("HEALTH_WINDOW_MINUTES", 5),
			DegradedThreshold: envFloat("HEALTH_DEGRADED_THRESHOLD", 0.10),
			DownThreshold:     envFloat("HEALTH_DOWN_THRESHOLD", 0.50),
		},
		Quota: QuotaConfig{
			PlanRequestsPerMinute: int64(envInt("QUOTA_PLAN_RPM", 20)),
			PlanRequestsPerDay:    int64(envInt("QUOTA_PLAN_RPD", 500)),
			PlanTokensPerDay:      int64(envInt("QUOTA_PLAN_TOKENS_PER_DAY", 2000000)),
		},
		Publish: PublishConfig{
			PollInterval:    envDuration("PUBLISH_POLL_INTERVAL", 30*time.Second),
			RetryBackoff:    envDuration("PUBLISH_RETRY_BACKOFF", 10*time.Minute),
			SenderTimeout:   envDuration("PUBLISH_SENDER_TIMEOUT", 30*time.Second),
			BatchSize:       envInt("PUBLISH_BATCH_SIZE", 10),
			LinkedInBaseURL: envString("LINKEDIN_BASE_URL", "https://api.linkedin.com"),
			XBaseURL:        envString("X_BASE_URL", "https://api.x.com"),
			MastodonBaseURL: envString("MASTODON_BASE_URL", "https://mastodon.social"),
		},
		Upstream: UpstreamConfig{
			BaseURL: os.Getenv("UPSTREAM_BASE_URL"),
			Model:   envString("UPSTREAM_MODEL", "gpt-4o"),
			APIKey:  os.Getenv("UPSTREAM_API_KEY"),
			Timeout: envDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		},
	}

	if raw := os.Getenv("TOKEN_ENCRYPTION_KEY"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		copy(cfg.Secrets.TokenKey[:], key)
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

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Secrets.TokenKey == ([32]byte{}) {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("UPSTREAM_BASE_URL must start with http:// or https://, got %q", c.Upstream.BaseURL)
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive, got %d", c.RateLimit.MaxRequests)
	}

	if c.Health.WindowMinutes <= 0 {
		return fmt.Errorf("HEALTH_WINDOW_MINUTES must be positive, got %d", c.Health.WindowMinutes)
	}
	if c.Health.DownThreshold <= c.Health.DegradedThreshold {
		return fmt.Errorf("HEALTH_DOWN_THRESHOLD (%v) must exceed HEALTH_DEGRADED_THRESHOLD (%v)",
			c.Health.DownThreshold, c.Health.DegradedThreshold)
	}

	return nil
}

// IsProduction reports whether the server runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
