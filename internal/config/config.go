// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/pnr-status-sync/internal/alerting"
	"github.com/JakeFAU/pnr-status-sync/internal/health"
	"github.com/JakeFAU/pnr-status-sync/internal/metrics"
	"github.com/JakeFAU/pnr-status-sync/internal/scraper"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Retry backoff modes for batch runs.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScraperConfig describes the external status form and how to read it.
type ScraperConfig struct {
	Endpoint       string             `mapstructure:"endpoint"`
	KeyField       string             `mapstructure:"key_field"`
	DecoyField     string             `mapstructure:"decoy_field"`
	DecoyEchoField string             `mapstructure:"decoy_echo_field"`
	SubmitField    string             `mapstructure:"submit_field"`
	SubmitValue    string             `mapstructure:"submit_value"`
	UserAgent      string             `mapstructure:"user_agent"`
	Host           string             `mapstructure:"host"`
	Origin         string             `mapstructure:"origin"`
	Referer        string             `mapstructure:"referer"`
	TerminalMarker string             `mapstructure:"terminal_marker"`
	Selectors      []scraper.Selector `mapstructure:"selectors"`
	Timeout        time.Duration      `mapstructure:"timeout"`
	RateLimitRPS   float64            `mapstructure:"rate_limit_rps"`
	RateLimitBurst int                `mapstructure:"rate_limit_burst"`
}

// CacheConfig selects the status cache backend and its TTLs. An empty
// RedisURL keeps the cache in process memory.
type CacheConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	ErrorTTL time.Duration `mapstructure:"error_ttl"`
	RedisURL string        `mapstructure:"redis_url"`
}

// BatchConfig holds the batch processor defaults.
type BatchConfig struct {
	RequestDelay time.Duration `mapstructure:"request_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	Backoff      string        `mapstructure:"backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	MaxKeys      int           `mapstructure:"max_keys"`
}

// MetricsConfig controls the in-process sample collector.
type MetricsConfig struct {
	Interval   time.Duration      `mapstructure:"interval"`
	Retention  time.Duration      `mapstructure:"retention"`
	Thresholds metrics.Thresholds `mapstructure:"thresholds"`
}

// HealthConfig configures the probes.
type HealthConfig struct {
	ProbeTimeout         time.Duration   `mapstructure:"probe_timeout"`
	DatabaseDSN          string          `mapstructure:"database_dsn"`
	StorageDegradedAfter time.Duration   `mapstructure:"storage_degraded_after"`
	CacheDegradedAfter   time.Duration   `mapstructure:"cache_degraded_after"`
	ExternalTimeout      time.Duration   `mapstructure:"external_timeout"`
	Targets              []health.Target `mapstructure:"targets"`
}

// AlertingConfig configures error-rate alerting and notification channels.
// A channel is enabled by setting its destination.
type AlertingConfig struct {
	ErrorRateThreshold int           `mapstructure:"error_rate_threshold"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
	SlackWebhookURL    string        `mapstructure:"slack_webhook_url"`
	Webhook            WebhookConfig `mapstructure:"webhook"`
	Email              EmailConfig   `mapstructure:"email"`
	PubSub             PubSubConfig  `mapstructure:"pubsub"`
}

// WebhookConfig describes a generic JSON webhook.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// EmailConfig lists alert recipients and the relay used to reach them.
type EmailConfig struct {
	To   []string            `mapstructure:"to"`
	SMTP alerting.SMTPConfig `mapstructure:"smtp"`
}

// PubSubConfig holds the topic alerts are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// StorageConfig selects where unparsed response bodies are archived.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	LocalDir   string `mapstructure:"local_dir"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	Prefix     string `mapstructure:"prefix"`
	HashLength int    `mapstructure:"hash_length"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PNRSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	// Keys without a useful default still need registering so that
	// AutomaticEnv can override them.
	v.SetDefault("scraper.endpoint", "")
	v.SetDefault("scraper.host", "")
	v.SetDefault("scraper.origin", "")
	v.SetDefault("scraper.referer", "")
	v.SetDefault("scraper.key_field", "lccp_pnrno1")
	v.SetDefault("scraper.decoy_field", "lccp_cap_val")
	v.SetDefault("scraper.decoy_echo_field", "lccp_capinp_val")
	v.SetDefault("scraper.submit_field", "submit")
	v.SetDefault("scraper.submit_value", "Get Status")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (X11; Linux x86_64) pnr-status-sync/0.1")
	v.SetDefault("scraper.terminal_marker", "FLUSHED PNR")
	v.SetDefault("scraper.timeout", 10*time.Second)
	v.SetDefault("scraper.rate_limit_rps", 1.0)
	v.SetDefault("scraper.rate_limit_burst", 1)

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.error_ttl", time.Minute)
	v.SetDefault("cache.redis_url", "")

	v.SetDefault("batch.request_delay", 2*time.Second)
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("batch.retry_delay", time.Second)
	v.SetDefault("batch.backoff", BackoffFixed)
	v.SetDefault("batch.max_backoff", 30*time.Second)
	v.SetDefault("batch.max_keys", 100)

	defaults := metrics.DefaultThresholds()
	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("metrics.retention", 24*time.Hour)
	v.SetDefault("metrics.thresholds.memory_usage_percent", defaults.MemoryUsagePercent)
	v.SetDefault("metrics.thresholds.cpu_usage_percent", defaults.CPUUsagePercent)
	v.SetDefault("metrics.thresholds.average_response_time_ms", defaults.AverageResponseTimeMs)
	v.SetDefault("metrics.thresholds.error_rate_percent", defaults.ErrorRatePercent)

	v.SetDefault("health.probe_timeout", 5*time.Second)
	v.SetDefault("health.database_dsn", "")
	v.SetDefault("health.storage_degraded_after", time.Second)
	v.SetDefault("health.cache_degraded_after", 100*time.Millisecond)
	v.SetDefault("health.external_timeout", 5*time.Second)

	v.SetDefault("alerting.error_rate_threshold", 10)
	v.SetDefault("alerting.check_interval", time.Minute)
	v.SetDefault("alerting.dispatch_timeout", 10*time.Second)
	v.SetDefault("alerting.slack_webhook_url", "")
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.pubsub.project_id", "")
	v.SetDefault("alerting.pubsub.topic_id", "")

	v.SetDefault("storage.backend", ArchiveNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pnr-archive")
	v.SetDefault("storage.hash_length", 64)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Scraper.validate(); err != nil {
		return err
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Cache.ErrorTTL < 0 {
		return fmt.Errorf("cache.error_ttl must be >= 0")
	}
	switch c.Batch.Backoff {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("batch.backoff must be %q or %q, got %q", BackoffFixed, BackoffExponential, c.Batch.Backoff)
	}
	if c.Batch.MaxKeys <= 0 {
		return fmt.Errorf("batch.max_keys must be > 0")
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be > 0")
	}
	if c.Alerting.ErrorRateThreshold <= 0 {
		return fmt.Errorf("alerting.error_rate_threshold must be > 0")
	}
	if len(c.Alerting.Email.To) > 0 && c.Alerting.Email.SMTP.Addr == "" {
		return fmt.Errorf("alerting.email.smtp.addr must be set when email recipients are configured")
	}
	if (c.Alerting.PubSub.ProjectID == "") != (c.Alerting.PubSub.TopicID == "") {
		return fmt.Errorf("alerting.pubsub needs both project_id and topic_id")
	}
	for _, target := range c.Health.Targets {
		if _, err := url.ParseRequestURI(target.URL); err != nil {
			return fmt.Errorf("health.targets: invalid url %q: %w", target.URL, err)
		}
	}
	return c.Storage.validate()
}

func (s ScraperConfig) validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("scraper.endpoint is required")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("scraper.endpoint must be an absolute http(s) URL, got %q", s.Endpoint)
	}
	if s.KeyField == "" {
		return fmt.Errorf("scraper.key_field is required")
	}
	if len(s.Selectors) == 0 {
		return fmt.Errorf("scraper.selectors must list at least one selector")
	}
	for i, sel := range s.Selectors {
		if sel.CSS == "" || sel.Field == "" {
			return fmt.Errorf("scraper.selectors[%d] needs both css and field", i)
		}
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be > 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if s.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case ArchiveGCS:
		if s.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", s.Backend)
	}
	if s.HashLength <= 0 || s.HashLength > 64 {
		return fmt.Errorf("storage.hash_length must be in [1, 64]")
	}
	return nil
}

// ScraperSettings converts the scraper section into the client's config.
func (c Config) ScraperSettings() scraper.Config {
	s := c.Scraper
	return scraper.Config{
		Endpoint:       s.Endpoint,
		KeyField:       s.KeyField,
		DecoyField:     s.DecoyField,
		DecoyEchoField: s.DecoyEchoField,
		SubmitField:    s.SubmitField,
		SubmitValue:    s.SubmitValue,
		UserAgent:      s.UserAgent,
		Host:           s.Host,
		Origin:         s.Origin,
		Referer:        s.Referer,
		TerminalMarker: s.TerminalMarker,
		Selectors:      append([]scraper.Selector(nil), s.Selectors...),
		Timeout:        s.Timeout,
	}
}

// AlerterSettings converts the alerting section into the alerter's config.
func (c Config) AlerterSettings() alerting.Config {
	return alerting.Config{
		ErrorRateThreshold: c.Alerting.ErrorRateThreshold,
		CheckInterval:      c.Alerting.CheckInterval,
		DispatchTimeout:    c.Alerting.DispatchTimeout,
	}
}

// CollectorSettings converts the metrics section into the collector's config.
func (c Config) CollectorSettings() metrics.CollectorConfig {
	return metrics.CollectorConfig{
		Retention:  c.Metrics.Retention,
		Thresholds: c.Metrics.Thresholds,
	}
}
