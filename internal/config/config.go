package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tenantgate server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Upstream UpstreamConfig
	Gateway  GatewayConfig
	Quota    QuotaConfig
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
	URL                string
	RateLimitPerMinute int
}

type AuthConfig struct {
	// AdminToken is the system secret. Empty disables token authentication.
	AdminToken string
}

// UpstreamConfig holds the process-level fallback target and the registry document path.
type UpstreamConfig struct {
	FallbackURL   string
	FallbackModel string
	ConfigPath    string
	Timeout       time.Duration
	ProbeTimeout  time.Duration
}

type GatewayConfig struct {
	SystemPrompt   string
	AllowAnonymous bool
}

type QuotaConfig struct {
	Location *time.Location
}

const DefaultSystemPrompt = "You are a professional AI medical assistant skilled in medical imaging and clinical Q&A. " +
	"Base your analysis on reliable medical evidence and answer in a structured, clear and careful way. " +
	"State that the answer is for reference only and does not replace diagnosis or treatment by a qualified physician."

// Load reads configuration from environment variables (and a .env file when present)
// and returns a validated Config.
func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	loc, err := envLocation("QUOTA_TIMEZONE", time.Local)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("TENANTGATE_PORT", 8080),
			Env:  envString("TENANTGATE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:                os.Getenv("REDIS_URL"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Auth: AuthConfig{
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Upstream: UpstreamConfig{
			FallbackURL:   strings.TrimRight(envString("UPSTREAM_URL", "http://localhost:11434"), "/"),
			FallbackModel: envString("UPSTREAM_MODEL", "llama3"),
			ConfigPath:    envString("UPSTREAM_CONFIG_PATH", "config.json"),
			Timeout:       envDurationSecs("UPSTREAM_TIMEOUT_SECS", 120*time.Second),
			ProbeTimeout:  envDurationSecs("UPSTREAM_PROBE_TIMEOUT_SECS", 5*time.Second),
		},
		Gateway: GatewayConfig{
			SystemPrompt:   envString("GATEWAY_SYSTEM_PROMPT", DefaultSystemPrompt),
			AllowAnonymous: envBool("GATEWAY_ALLOW_ANONYMOUS", true),
		},
		Quota: QuotaConfig{
			Location: loc,
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

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !strings.HasPrefix(c.Upstream.FallbackURL, "http://") && !strings.HasPrefix(c.Upstream.FallbackURL, "https://") {
		return fmt.Errorf("UPSTREAM_URL must start with http:// or https://, got %q", c.Upstream.FallbackURL)
	}

	if c.Upstream.ProbeTimeout >= c.Upstream.Timeout {
		return fmt.Errorf("UPSTREAM_PROBE_TIMEOUT_SECS must be shorter than UPSTREAM_TIMEOUT_SECS")
	}

	if c.Server.Env == "production" && c.Auth.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}

	return nil
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

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLocation(key string, defaultVal *time.Location) (*time.Location, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be a valid IANA time zone, got %q", key, v)
	}
	return loc, nil
}
