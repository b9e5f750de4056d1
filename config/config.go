package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/debt-engine/expenses"
)

// DefaultJWTSecret is only fit for local development.
const DefaultJWTSecret = "dev-secret-change-me"

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LedgerConfig holds engine behaviour switches.
type LedgerConfig struct {
	PurchaseDeletePolicy string        `mapstructure:"purchase_delete_policy"`
	MaxRetries           int           `mapstructure:"max_retries"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	SweepRepair          bool          `mapstructure:"sweep_repair"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// DEBT_ENGINE_, e.g. DEBT_ENGINE_DATABASE_PATH. A TOML file is read from
// $DEBT_ENGINE_CONFIG, or ./debt-engine.toml if present.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("database.path", "./data/debt-engine.db")
	v.SetDefault("auth.jwt_secret", DefaultJWTSecret)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("ledger.purchase_delete_policy", string(expenses.DeleteKeep))
	v.SetDefault("ledger.max_retries", 3)
	v.SetDefault("ledger.sweep_interval", time.Duration(0))
	v.SetDefault("ledger.sweep_repair", false)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("DEBT_ENGINE_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("debt-engine")
	}

	v.SetEnvPrefix("DEBT_ENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive: %s", c.Auth.TokenTTL)
	}
	if _, err := c.Ledger.DeletePolicy(); err != nil {
		return err
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger.max_retries must not be negative: %d", c.Ledger.MaxRetries)
	}
	return nil
}

// DeletePolicy parses ledger.purchase_delete_policy.
func (l LedgerConfig) DeletePolicy() (expenses.PurchaseDeletePolicy, error) {
	return expenses.ParsePurchaseDeletePolicy(l.PurchaseDeletePolicy)
}

// SlogLevel maps log.level onto slog. Unknown values fall back to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
