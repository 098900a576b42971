// Package config handles configuration loading and validation for the
// uptime daemon.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the uptime daemon.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Uptime    UptimeConfig    `mapstructure:"uptime"`
	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig defines the relational store connection settings.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConnections int           `mapstructure:"max_connections"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Retries        int           `mapstructure:"retries"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UptimeConfig tunes the reconciliation engine's cadence and
// confirmation gate.
type UptimeConfig struct {
	Cron                  string        `mapstructure:"cron"`
	Timezone              string        `mapstructure:"timezone"`
	GraceMinutes          int           `mapstructure:"grace_minutes"`
	OfflineConfirmMinutes int           `mapstructure:"offline_confirm_minutes"`
	SlotLockTTL           time.Duration `mapstructure:"slot_lock_ttl"`
	MaxConcurrentGroups   int           `mapstructure:"max_concurrent_groups"`
	HTTPTimeout           time.Duration `mapstructure:"http_timeout"`
	HealthFailThreshold   int           `mapstructure:"health_fail_threshold"`
	HealthResetWindow     time.Duration `mapstructure:"health_reset_window"`
	Pools                 []string      `mapstructure:"pools"`
}

// StatusAPIConfig defines the read-only status HTTP server settings.
type StatusAPIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Concurrency int           `mapstructure:"concurrency"`
}

// BinanceConfig defines Binance-specific overrides.
type BinanceConfig struct {
	BaseOverride string `mapstructure:"base_override"`
}

// NotifyConfig defines alerting settings.
type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DiscordWebhook string `mapstructure:"discord_webhook"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// ProfilingConfig defines the optional pprof server settings.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines the optional APM agent settings.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/uptimed")
	}

	v.SetEnvPrefix("UPTIMED")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.url", "postgres://localhost:5432/uptimed?sslmode=disable")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_timeout", "5m")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.retries", 3)
	v.SetDefault("database.migrations_path", "file://migrations")

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Uptime defaults
	v.SetDefault("uptime.cron", "*/15 * * * *")
	v.SetDefault("uptime.timezone", "Europe/Lisbon")
	v.SetDefault("uptime.grace_minutes", 30)
	v.SetDefault("uptime.offline_confirm_minutes", 30)
	v.SetDefault("uptime.slot_lock_ttl", "15m")
	v.SetDefault("uptime.max_concurrent_groups", 4)
	v.SetDefault("uptime.http_timeout", "10s")
	v.SetDefault("uptime.health_fail_threshold", 3)
	v.SetDefault("uptime.health_reset_window", "1h")
	v.SetDefault("uptime.pools", []string{"viabtc", "litecoinpool", "miningdutch", "f2pool", "binance"})

	// Status API defaults
	v.SetDefault("status_api.enabled", true)
	v.SetDefault("status_api.bind", "0.0.0.0:4000")
	v.SetDefault("status_api.cache_ttl", "30s")
	v.SetDefault("status_api.concurrency", 4)

	// Notify defaults
	v.SetDefault("notify.enabled", false)

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "uptimed")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	if c.Uptime.GraceMinutes < 0 {
		return fmt.Errorf("uptime.grace_minutes must be >= 0")
	}

	if c.Uptime.OfflineConfirmMinutes < 0 {
		return fmt.Errorf("uptime.offline_confirm_minutes must be >= 0")
	}

	if c.Uptime.SlotLockTTL < 14*time.Minute || c.Uptime.SlotLockTTL > 20*time.Minute {
		return fmt.Errorf("uptime.slot_lock_ttl must be between 14m and 20m")
	}

	if len(c.Uptime.Pools) == 0 {
		return fmt.Errorf("uptime.pools must name at least one pool")
	}

	if c.StatusAPI.Enabled && c.StatusAPI.Bind == "" {
		return fmt.Errorf("status_api.bind is required when status_api is enabled")
	}

	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}

	return nil
}
