package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the server's runtime configuration, read from environment
// variables and an optional .env file.
type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"` // development | production
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	// Empty means the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// Empty disables the sale replay cache.
	RedisURL            string `mapstructure:"REDIS_URL"`
	SaleCacheTTLSeconds int    `mapstructure:"SALE_CACHE_TTL_SECONDS"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
}

// TerminalConfig configures the client-side sync process.
type TerminalConfig struct {
	Env                   string `mapstructure:"APP_ENV"`
	ServerURL             string `mapstructure:"SERVER_URL"`
	QueuePath             string `mapstructure:"QUEUE_PATH"`
	DrainIntervalSeconds  int    `mapstructure:"DRAIN_INTERVAL_SECONDS"`
	CheckIntervalSeconds  int    `mapstructure:"CHECK_INTERVAL_SECONDS"`
	RequestTimeoutSeconds int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	ListenAddr            string `mapstructure:"LISTEN_ADDR"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	return v
}

// Load reads the server configuration.
func Load() (*Config, error) {
	v := newViper()

	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("SALE_CACHE_TTL_SECONDS", 600)
	// No default secret: startup refuses to run without one.
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)

	// Optional .env file for local development; missing is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.SaleCacheTTLSeconds < 1 {
		cfg.SaleCacheTTLSeconds = 600
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) SaleCacheTTL() time.Duration {
	return time.Duration(c.SaleCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// LoadTerminal reads the terminal configuration.
func LoadTerminal() (*TerminalConfig, error) {
	v := newViper()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("SERVER_URL", "http://127.0.0.1:8080")
	v.SetDefault("QUEUE_PATH", "zaiko-queue.db")
	v.SetDefault("DRAIN_INTERVAL_SECONDS", 30)
	v.SetDefault("CHECK_INTERVAL_SECONDS", 5)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 10)
	v.SetDefault("AUTH_SECRET", "")
	// The till talks to the terminal over loopback only.
	v.SetDefault("LISTEN_ADDR", "127.0.0.1:8090")

	_ = v.ReadInConfig()

	cfg := &TerminalConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode terminal config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.DrainIntervalSeconds < 1 {
		cfg.DrainIntervalSeconds = 30
	}
	if cfg.CheckIntervalSeconds < 1 {
		cfg.CheckIntervalSeconds = 5
	}
	if cfg.RequestTimeoutSeconds < 1 {
		cfg.RequestTimeoutSeconds = 10
	}
	return cfg, nil
}

func (c TerminalConfig) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c TerminalConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

func (c TerminalConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c TerminalConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
