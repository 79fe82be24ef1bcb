package config

import (
	"fmt"
	"time"
)

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	ListenAddress string
	CORSOrigins   []string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// CloseIOConfig represents the configuration for the Close CRM API
type CloseIOConfig struct {
	APIKey        string
	APIURL        string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
}

// DiscordConfig represents the configuration for the Discord webhook notifier
type DiscordConfig struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
}

// SMTPConfig represents the configuration for the mail notifier
type SMTPConfig struct {
	Address string
	Port    int
	From    string
	To      []string
}

// PollingConfig represents the configuration for the activity poller
type PollingConfig struct {
	Enabled         bool
	Interval        time.Duration
	InitialLookback time.Duration
	Overlap         time.Duration
}

// CacheConfig represents the configuration for the dedup cache
type CacheConfig struct {
	Type             string
	Retention        time.Duration
	CleanupFrequency time.Duration
	SQLitePath       string
	MySQLDSN         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string
}

// StoreConfig represents the configuration for the event store
type StoreConfig struct {
	Driver        string
	DSN           string
	RecordReplays bool
}

// DispatchConfig represents the configuration for notification delivery
type DispatchConfig struct {
	NotifierType   string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	QueueSize      int
	Workers        int
	RatePerMinute  int
	MutedDomains   []string
	MaxFieldLength int
}

// GetServer returns the HTTP server configuration
func (c *Config) GetServer() (ServerConfig, error) {
	read, err := c.GetDuration("server.read_timeout")
	if err != nil {
		return ServerConfig{}, err
	}
	write, err := c.GetDuration("server.write_timeout")
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddress: c.GetString("server.listen_address"),
		CORSOrigins:   c.GetStringSlice("server.cors_origins"),
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

// GetCloseIO returns the Close API configuration
func (c *Config) GetCloseIO() (CloseIOConfig, error) {
	timeout, err := c.GetDuration("closeio.timeout")
	if err != nil {
		return CloseIOConfig{}, err
	}
	return CloseIOConfig{
		APIKey:        c.GetString("closeio.api_key"),
		APIURL:        c.GetString("closeio.api_url"),
		WebhookSecret: c.GetString("closeio.webhook_secret"),
		Timeout:       timeout,
		MaxRetries:    c.GetInt("closeio.max_retries"),
	}, nil
}

// GetDiscord returns the Discord notifier configuration
func (c *Config) GetDiscord() (DiscordConfig, error) {
	timeout, err := c.GetDuration("discord.timeout")
	if err != nil {
		return DiscordConfig{}, err
	}
	return DiscordConfig{
		WebhookURL: c.GetString("discord.webhook_url"),
		Username:   c.GetString("discord.username"),
		Timeout:    timeout,
	}, nil
}

// GetSMTP returns the mail notifier configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		Address: c.GetString("smtp.address"),
		Port:    c.GetInt("smtp.port"),
		From:    c.GetString("smtp.from"),
		To:      c.GetStringSlice("smtp.to"),
	}
}

// GetPolling returns the poller configuration
func (c *Config) GetPolling() (PollingConfig, error) {
	lookback, err := c.GetDuration("polling.initial_lookback")
	if err != nil {
		return PollingConfig{}, err
	}
	overlap, err := c.GetDuration("polling.overlap")
	if err != nil {
		return PollingConfig{}, err
	}
	seconds := c.GetInt("polling.interval_seconds")
	if seconds <= 0 {
		return PollingConfig{}, fmt.Errorf("polling.interval_seconds must be positive, got %d", seconds)
	}
	return PollingConfig{
		Enabled:         c.GetBool("polling.enabled"),
		Interval:        time.Duration(seconds) * time.Second,
		InitialLookback: lookback,
		Overlap:         overlap,
	}, nil
}

// GetCache returns the dedup cache configuration
func (c *Config) GetCache() (CacheConfig, error) {
	cleanup, err := c.GetDuration("cache.cleanup_frequency")
	if err != nil {
		return CacheConfig{}, err
	}
	hours := c.GetInt("cache.retention_hours")
	if hours <= 0 {
		return CacheConfig{}, fmt.Errorf("cache.retention_hours must be positive, got %d", hours)
	}
	return CacheConfig{
		Type:             c.GetString("cache.type"),
		Retention:        time.Duration(hours) * time.Hour,
		CleanupFrequency: cleanup,
		SQLitePath:       c.GetString("cache.sqlite_path"),
		MySQLDSN:         c.GetString("cache.mysql_dsn"),
		RedisAddr:        c.GetString("cache.redis_addr"),
		RedisPassword:    c.GetString("cache.redis_password"),
		RedisDB:          c.GetInt("cache.redis_db"),
		RedisPrefix:      c.GetString("cache.redis_prefix"),
	}, nil
}

// GetStore returns the event store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Driver:        c.GetString("store.driver"),
		DSN:           c.GetString("store.dsn"),
		RecordReplays: c.GetBool("store.record_replays"),
	}
}

// GetDispatch returns the notification delivery configuration
func (c *Config) GetDispatch() (DispatchConfig, error) {
	base, err := c.GetDuration("dispatch.base_delay")
	if err != nil {
		return DispatchConfig{}, err
	}
	maxDelay, err := c.GetDuration("dispatch.max_delay")
	if err != nil {
		return DispatchConfig{}, err
	}
	attemptTimeout, err := c.GetDuration("dispatch.attempt_timeout")
	if err != nil {
		return DispatchConfig{}, err
	}
	return DispatchConfig{
		NotifierType:   c.GetString("notifier.type"),
		MaxAttempts:    c.GetInt("dispatch.max_attempts"),
		BaseDelay:      base,
		MaxDelay:       maxDelay,
		AttemptTimeout: attemptTimeout,
		QueueSize:      c.GetInt("dispatch.queue_size"),
		Workers:        c.GetInt("dispatch.workers"),
		RatePerMinute:  c.GetInt("dispatch.rate_per_minute"),
		MutedDomains:   c.GetStringSlice("notifications.muted_domains"),
		MaxFieldLength: c.GetInt("notifications.max_field_length"),
	}, nil
}

// GetLocation returns the zone used for date_opened and time bucketing
func (c *Config) GetLocation() (*time.Location, error) {
	name := c.GetString("app.timezone")
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid app.timezone %q: %w", name, err)
	}
	return loc, nil
}
