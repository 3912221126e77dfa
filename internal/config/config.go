package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	StoreBackend           string   `mapstructure:"STORE_BACKEND"`
	BoltPath               string   `mapstructure:"BOLT_PATH"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string   `mapstructure:"REDIS_URL"`
	EventStream            string   `mapstructure:"EVENT_STREAM"`
	AuthIssuer             string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey         string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	LeadWindowDays         int      `mapstructure:"SCREENING_LEAD_WINDOW_DAYS"`
	CriticalOverdueDays    int      `mapstructure:"CDS_CRITICAL_OVERDUE_DAYS"`
	SearchDefaultCount     int      `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount         int      `mapstructure:"SEARCH_MAX_COUNT"`
	MetricsEnabled         bool     `mapstructure:"METRICS_ENABLED"`
	BaseURL                string   `mapstructure:"BASE_URL"`
	ShutdownTimeoutSeconds int      `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "STORE_BACKEND", "BOLT_PATH", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "REDIS_URL", "EVENT_STREAM", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS", "SCREENING_LEAD_WINDOW_DAYS",
	"CDS_CRITICAL_OVERDUE_DAYS", "SEARCH_DEFAULT_COUNT", "SEARCH_MAX_COUNT",
	"METRICS_ENABLED", "BASE_URL", "SHUTDOWN_TIMEOUT_SECONDS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
}

// Load reads an optional .env file and the environment. It does not
// validate; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("BOLT_PATH", "data/clinical.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EVENT_STREAM", "screening-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SCREENING_LEAD_WINDOW_DAYS", 30)
	v.SetDefault("CDS_CRITICAL_OVERDUE_DAYS", 180)
	v.SetDefault("SEARCH_DEFAULT_COUNT", 20)
	v.SetDefault("SEARCH_MAX_COUNT", 100)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKey decodes AUTH_SIGNING_KEY.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// AuthEnabled reports whether bearer tokens are enforced. Development mode
// without a signing key runs every request as admin.
func (c *Config) AuthEnabled() bool {
	return !c.IsDev() || c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_BACKEND is %q", BackendBolt)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
		if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q, or %q, got %q", BackendMemory, BackendBolt, BackendPostgres, c.StoreBackend)
	}

	if c.LeadWindowDays < 0 {
		return fmt.Errorf("SCREENING_LEAD_WINDOW_DAYS must not be negative, got %d", c.LeadWindowDays)
	}
	if c.CriticalOverdueDays <= 0 {
		return fmt.Errorf("CDS_CRITICAL_OVERDUE_DAYS must be positive, got %d", c.CriticalOverdueDays)
	}
	if c.SearchDefaultCount <= 0 || c.SearchMaxCount < c.SearchDefaultCount {
		return fmt.Errorf("SEARCH_DEFAULT_COUNT (%d) must be positive and at most SEARCH_MAX_COUNT (%d)", c.SearchDefaultCount, c.SearchMaxCount)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	if c.IsProduction() && (c.AuthIssuer == "" || key == nil) {
		return fmt.Errorf("AUTH_ISSUER and AUTH_SIGNING_KEY are required in production")
	}
	return nil
}
