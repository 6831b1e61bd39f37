// Package config loads service settings from config.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	AppPort  string `mapstructure:"APP_PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage
	DBDriver    string        `mapstructure:"DB_DRIVER"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	LockTimeout time.Duration `mapstructure:"LOCK_TIMEOUT"`

	// PlatformFeeRate is applied to earnings that arrive without an
	// explicit rate. Parsed from text to keep it exact.
	PlatformFeeRate string `mapstructure:"PLATFORM_FEE_RATE"`

	// HTTP
	RateLimitPerMin int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst  int    `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins     string `mapstructure:"CORS_ORIGINS"`

	// AuditSchedule is a cron spec for the invariant audit. Empty disables it.
	AuditSchedule string `mapstructure:"AUDIT_SCHEDULE"`
}

var keys = map[string]any{
	"APP_PORT":           "8080",
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"DB_DRIVER":          "sqlite",
	"DATABASE_URL":       "payouts.db",
	"LOCK_TIMEOUT":       "5s",
	"PLATFORM_FEE_RATE":  "0.15",
	"RATE_LIMIT_PER_MIN": 120,
	"RATE_LIMIT_BURST":   20,
	"CORS_ORIGINS":       "*",
	"AUDIT_SCHEDULE":     "@every 1h",
}

// Load reads config.yaml from dir (or "." and "./config" when dir is
// empty), then lets environment variables override every key.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.AutomaticEnv()

	for k, def := range keys {
		v.SetDefault(k, def)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	rate, err := c.FeeRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be within [0, 1], got %s", rate)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.RateLimitPerMin < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// FeeRate parses PlatformFeeRate.
func (c *Config) FeeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.PlatformFeeRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid PLATFORM_FEE_RATE %q: %w", c.PlatformFeeRate, err)
	}
	return rate, nil
}

// Origins splits CORSOrigins on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IsProduction checks if the environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
