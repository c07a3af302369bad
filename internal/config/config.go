package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	Storage             string        `mapstructure:"STORAGE"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	QuotaBackend        string        `mapstructure:"QUOTA_BACKEND"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	JWTSigningKey       string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	TokenTTL            time.Duration `mapstructure:"TOKEN_TTL"`
	DataSource          string        `mapstructure:"DATA_SOURCE"`
	DataRefreshInterval time.Duration `mapstructure:"DATA_REFRESH_INTERVAL"`
	DataS3Region        string        `mapstructure:"DATA_S3_REGION"`
	DataS3Endpoint      string        `mapstructure:"DATA_S3_ENDPOINT"`
	FamilyPrefixLength  int           `mapstructure:"FAMILY_PREFIX_LENGTH"`
	FreeTierLimit       int64         `mapstructure:"FREE_TIER_DAILY_LIMIT"`
	BasicTierLimit      int64         `mapstructure:"BASIC_TIER_DAILY_LIMIT"`
	ProTierLimit        int64         `mapstructure:"PRO_TIER_DAILY_LIMIT"`
	EnterpriseTierLimit int64         `mapstructure:"ENTERPRISE_TIER_DAILY_LIMIT"`
	MaxBatchSize        int           `mapstructure:"MAX_BATCH_SIZE"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	BatchBodyLimit      string        `mapstructure:"BATCH_BODY_LIMIT"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"QUOTA_BACKEND", "REDIS_URL", "JWT_SIGNING_KEY", "JWT_ISSUER", "TOKEN_TTL",
	"DATA_SOURCE", "DATA_REFRESH_INTERVAL", "DATA_S3_REGION", "DATA_S3_ENDPOINT",
	"FAMILY_PREFIX_LENGTH",
	"FREE_TIER_DAILY_LIMIT", "BASIC_TIER_DAILY_LIMIT", "PRO_TIER_DAILY_LIMIT",
	"ENTERPRISE_TIER_DAILY_LIMIT", "MAX_BATCH_SIZE", "REQUEST_TIMEOUT",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "BATCH_BODY_LIMIT",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("QUOTA_BACKEND", "store")
	v.SetDefault("JWT_ISSUER", "icdbridge")
	v.SetDefault("TOKEN_TTL", "30m")
	v.SetDefault("DATA_SOURCE", "./data")
	v.SetDefault("DATA_REFRESH_INTERVAL", "0s")
	v.SetDefault("FAMILY_PREFIX_LENGTH", 3)
	v.SetDefault("FREE_TIER_DAILY_LIMIT", 100)
	v.SetDefault("BASIC_TIER_DAILY_LIMIT", 1000)
	v.SetDefault("PRO_TIER_DAILY_LIMIT", 10000)
	v.SetDefault("ENTERPRISE_TIER_DAILY_LIMIT", 100000)
	v.SetDefault("MAX_BATCH_SIZE", 1000)
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BATCH_BODY_LIMIT", "5M")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.Storage = strings.ToLower(cfg.Storage)
	cfg.QuotaBackend = strings.ToLower(cfg.QuotaBackend)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TierLimits returns the daily request ceilings keyed by tier name.
func (c *Config) TierLimits() map[string]int64 {
	return map[string]int64{
		"free":       c.FreeTierLimit,
		"basic":      c.BasicTierLimit,
		"pro":        c.ProTierLimit,
		"enterprise": c.EnterpriseTierLimit,
	}
}

// Validate checks that the configuration is safe to run. Tier limits must be
// strictly increasing from free to enterprise.
func (c *Config) Validate() error {
	switch c.Storage {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is \"postgres\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORAGE must be \"postgres\" or \"memory\", got %q", c.Storage)
	}

	switch c.QuotaBackend {
	case "store":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUOTA_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("QUOTA_BACKEND must be \"store\" or \"redis\", got %q", c.QuotaBackend)
	}

	if c.IsProduction() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required in production")
	}
	if c.JWTSigningKey != "" {
		keyBytes, err := hex.DecodeString(c.JWTSigningKey)
		if err != nil {
			return fmt.Errorf("JWT_SIGNING_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}

	tiers := []struct {
		name  string
		limit int64
	}{
		{"FREE_TIER_DAILY_LIMIT", c.FreeTierLimit},
		{"BASIC_TIER_DAILY_LIMIT", c.BasicTierLimit},
		{"PRO_TIER_DAILY_LIMIT", c.ProTierLimit},
		{"ENTERPRISE_TIER_DAILY_LIMIT", c.EnterpriseTierLimit},
	}
	if tiers[0].limit < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", tiers[0].name, tiers[0].limit)
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].limit <= tiers[i-1].limit {
			return fmt.Errorf("%s (%d) must be greater than %s (%d)",
				tiers[i].name, tiers[i].limit, tiers[i-1].name, tiers[i-1].limit)
		}
	}

	if c.FamilyPrefixLength < 1 {
		return fmt.Errorf("FAMILY_PREFIX_LENGTH must be at least 1, got %d", c.FamilyPrefixLength)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("MAX_BATCH_SIZE must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DataSource == "" {
		return fmt.Errorf("DATA_SOURCE is required")
	}

	return nil
}
