package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Intake      IntakeConfig              `mapstructure:"intake"`
	Log         LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	// Database selects the entry of Databases to open.
	Database               string `mapstructure:"database"`
	TokenTTLHours          int    `mapstructure:"token_ttl_hours"`
	TokenCleanInterval     int    `mapstructure:"token_clean_interval_minutes"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// KeyPrefix namespaces every key and pub/sub channel.
	KeyPrefix string `mapstructure:"key_prefix"`
}

// IntakeConfig tunes the symptom-intake conversation.
type IntakeConfig struct {
	Greeting        string `mapstructure:"greeting"`
	ReplyDelayMS    int    `mapstructure:"reply_delay_ms"`
	SummaryDelayMS  int    `mapstructure:"summary_delay_ms"`
	MenuDelayMS     int    `mapstructure:"menu_delay_ms"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const envPrefix = "VEYDHA"

// Load reads configuration from the provided path. With an empty path it
// looks for config.json in the working directory and falls back to defaults
// and VEYDHA_* environment variables when there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var baseDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		baseDir = filepath.Dir(absPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			baseDir = filepath.Dir(v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// relative sqlite paths are anchored at the config file
	if sqlite, ok := cfg.Databases["sqlite3"]; ok && baseDir != "" {
		if sqlite.DSN != "" && sqlite.DSN != ":memory:" && !strings.HasPrefix(sqlite.DSN, "file:") && !filepath.IsAbs(sqlite.DSN) {
			sqlite.DSN = filepath.Join(baseDir, sqlite.DSN)
			cfg.Databases["sqlite3"] = sqlite
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.database", "sqlite3")
	v.SetDefault("basic_config.token_ttl_hours", 24*30)
	v.SetDefault("basic_config.token_clean_interval_minutes", 60)
	v.SetDefault("basic_config.shutdown_timeout_seconds", 10)

	v.SetDefault("databases.sqlite3.dsn", "veydha.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "veydha:")

	v.SetDefault("intake.reply_delay_ms", 1500)
	v.SetDefault("intake.summary_delay_ms", 2000)
	v.SetDefault("intake.menu_delay_ms", 1000)
	v.SetDefault("intake.cache_ttl_minutes", 60)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	db := strings.ToLower(c.BasicConfig.Database)
	if _, ok := c.Databases[db]; !ok {
		return fmt.Errorf("database %q has no entry under databases", c.BasicConfig.Database)
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		return fmt.Errorf("token_ttl_hours must be positive")
	}
	if c.Intake.ReplyDelayMS < 0 || c.Intake.SummaryDelayMS < 0 || c.Intake.MenuDelayMS < 0 {
		return fmt.Errorf("intake delays cannot be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.BasicConfig.TokenTTLHours) * time.Hour
}

func (c *Config) TokenCleanInterval() time.Duration {
	return time.Duration(c.BasicConfig.TokenCleanInterval) * time.Minute
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.BasicConfig.ShutdownTimeoutSeconds) * time.Second
}

func (c IntakeConfig) ReplyDelay() time.Duration {
	return time.Duration(c.ReplyDelayMS) * time.Millisecond
}

func (c IntakeConfig) SummaryDelay() time.Duration {
	return time.Duration(c.SummaryDelayMS) * time.Millisecond
}

func (c IntakeConfig) MenuDelay() time.Duration {
	return time.Duration(c.MenuDelayMS) * time.Millisecond
}

func (c IntakeConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}
