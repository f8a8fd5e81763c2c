// Package config loads and validates newsdesk configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

// Storage backends for the raw body archive.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Supported API kinds for sources with method "api".
var apiKinds = map[string]struct{}{"hackernews": {}, "nvd": {}}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Cascade    CascadeConfig    `mapstructure:"cascade"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Health     HealthConfig     `mapstructure:"health"`
	Clustering ClusteringConfig `mapstructure:"clustering"`
	Linker     LinkerConfig     `mapstructure:"linker"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Collector  CollectorConfig  `mapstructure:"collector"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Sources    []SourceConfig   `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the direct fetcher used by collectors and the cascade.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// CascadeConfig bounds each fetch cascade stage.
type CascadeConfig struct {
	DirectTimeout   time.Duration `mapstructure:"direct_timeout"`
	ProxiedTimeout  time.Duration `mapstructure:"proxied_timeout"`
	HeadlessTimeout time.Duration `mapstructure:"headless_timeout"`
	MaxComments     int           `mapstructure:"max_comments"`
	// FullText fills short record bodies through the cascade.
	FullText     bool `mapstructure:"full_text"`
	MinBodyChars int  `mapstructure:"min_body_chars"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	IdleGrace         time.Duration `mapstructure:"idle_grace"`
}

// ProxyConfig points at the plain-text proxy list.
type ProxyConfig struct {
	ListURL         string        `mapstructure:"list_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// RateLimitConfig sets the per-host default request rate.
type RateLimitConfig struct {
	DefaultRPS float64 `mapstructure:"default_rps"`
	Burst      int     `mapstructure:"burst"`
}

// HealthConfig tunes backoff and deactivation.
type HealthConfig struct {
	BackoffCap       int           `mapstructure:"backoff_cap"`
	DisableThreshold int           `mapstructure:"disable_threshold"`
	DefaultInterval  time.Duration `mapstructure:"default_interval"`
}

// ClusteringConfig tunes story matching.
type ClusteringConfig struct {
	Threshold float64       `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// LinkerConfig tunes cross-referencing.
type LinkerConfig struct {
	MinSharedTags int           `mapstructure:"min_shared_tags"`
	Window        time.Duration `mapstructure:"window"`
}

// EnrichmentConfig points at the OpenAI-compatible gateway.
type EnrichmentConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	EmbedModel  string        `mapstructure:"embed_model"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	QueueDepth  int           `mapstructure:"queue_depth"`
}

// CollectorConfig holds credentials for API collectors.
type CollectorConfig struct {
	NVDAPIKey string `mapstructure:"nvd_api_key"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where raw bodies are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the lifecycle event destinations. An empty project
// disables publishing.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	RecordTopic string `mapstructure:"record_topic"`
	StoryTopic  string `mapstructure:"story_topic"`
}

// SchedulerConfig drives the periodic RunAll.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// TelemetryConfig names the service on exported spans.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig declares a source. Runtime health is never read from config.
type SourceConfig struct {
	ingest.Source `mapstructure:",squash"`
	Disabled      bool `mapstructure:"disabled"`
}

// ToSource converts the declaration into a source definition.
func (s SourceConfig) ToSource() ingest.Source {
	src := s.Source
	src.SourceHealth = ingest.SourceHealth{Active: !s.Disabled}
	return src
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSDESK")
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
	v.SetDefault("server.request_timeout", "2m")
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout", "20s")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("cascade.direct_timeout", "15s")
	v.SetDefault("cascade.proxied_timeout", "20s")
	v.SetDefault("cascade.headless_timeout", "45s")
	v.SetDefault("cascade.max_comments", 10)
	v.SetDefault("cascade.full_text", true)
	v.SetDefault("cascade.min_body_chars", 300)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "30s")
	v.SetDefault("headless.idle_grace", "5s")
	v.SetDefault("proxy.refresh_interval", "10m")
	v.SetDefault("proxy.fetch_timeout", "15s")
	v.SetDefault("rate_limit.default_rps", 0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("health.backoff_cap", 10)
	v.SetDefault("health.disable_threshold", 10)
	v.SetDefault("health.default_interval", "15m")
	v.SetDefault("clustering.threshold", 0.85)
	v.SetDefault("clustering.window", "24h")
	v.SetDefault("linker.min_shared_tags", 3)
	v.SetDefault("linker.window", "720h")
	v.SetDefault("enrichment.timeout", "60s")
	v.SetDefault("enrichment.task_timeout", "5m")
	v.SetDefault("enrichment.queue_depth", 64)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("pubsub.record_topic", "records")
	v.SetDefault("pubsub.story_topic", "stories")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("telemetry.service_name", "newsdesk")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Clustering.Threshold <= 0 || c.Clustering.Threshold > 1 {
		return fmt.Errorf("clustering.threshold must be in (0, 1]")
	}
	if c.Linker.MinSharedTags < 1 {
		return fmt.Errorf("linker.min_shared_tags must be >= 1")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0 when the scheduler is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	return c.validateSources()
}

func (c Config) validateSources() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources[%d].id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sources[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.URL == "" {
			return fmt.Errorf("source %s: url is required", s.ID)
		}
		if !s.Method.Valid() {
			return fmt.Errorf("source %s: method %q is not one of feed, api, rendered", s.ID, s.Method)
		}
		if s.Method == ingest.MethodAPI {
			if _, ok := apiKinds[s.APIKind]; !ok {
				return fmt.Errorf("source %s: api_kind %q is not supported", s.ID, s.APIKind)
			}
		}
		if s.RetryCount < 0 || s.MaxItems < 0 || s.RateLimit < 0 {
			return fmt.Errorf("source %s: retry_count, max_items and rate_limit must be >= 0", s.ID)
		}
	}
	return nil
}

// SourceDefinitions returns the declared sources as source definitions.
func (c Config) SourceDefinitions() []ingest.Source {
	out := make([]ingest.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.ToSource())
	}
	return out
}
