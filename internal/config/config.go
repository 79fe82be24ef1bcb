package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	return NewFromFile("")
}

// NewFromFile loads configuration from an explicit file, or searches the
// standard locations when path is empty
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/email-open-relay/")
		v.AddConfigPath("$HOME/.email-open-relay")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("OPEN_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.timezone", "UTC")

	// Server defaults
	v.SetDefault("server.listen_address", "0.0.0.0:8000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")

	// Close defaults
	v.SetDefault("closeio.api_key", "")
	v.SetDefault("closeio.api_url", "https://api.close.com/api/v1")
	v.SetDefault("closeio.webhook_secret", "")
	v.SetDefault("closeio.timeout", "30s")
	v.SetDefault("closeio.max_retries", 3)

	// Notifier defaults
	v.SetDefault("notifier.type", "discord")
	v.SetDefault("discord.webhook_url", "")
	v.SetDefault("discord.username", "Email Open Relay")
	v.SetDefault("discord.timeout", "10s")
	v.SetDefault("smtp.address", "localhost")
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.to", []string{})
	v.SetDefault("notifications.muted_domains", []string{})
	v.SetDefault("notifications.max_field_length", 1024)

	// Polling defaults
	v.SetDefault("polling.enabled", true)
	v.SetDefault("polling.interval_seconds", 300)
	v.SetDefault("polling.initial_lookback", "1h")
	v.SetDefault("polling.overlap", "1m")

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.retention_hours", 24)
	v.SetDefault("cache.cleanup_frequency", "5m")
	v.SetDefault("cache.sqlite_path", "./data/dedup_cache.db")
	v.SetDefault("cache.mysql_dsn", "user:password@tcp(localhost:3306)/email_opens?clientFoundRows=true")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "openrelay:dedup:")

	// Store defaults
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "./data/email_opens.db")
	v.SetDefault("store.record_replays", true)

	// Dispatch defaults
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.base_delay", "1s")
	v.SetDefault("dispatch.max_delay", "30s")
	v.SetDefault("dispatch.attempt_timeout", "30s")
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.rate_per_minute", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
