// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve without system zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/aggregate"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. ORCH_DATABASE_DSN.
const EnvPrefix = "ORCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Auth        AuthConfig                `mapstructure:"auth"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Agent       AgentConfig               `mapstructure:"agent"`
	Scheduler   SchedulerConfig           `mapstructure:"scheduler"`
	Retry       RetryConfig               `mapstructure:"retry"`
	Aggregation AggregationConfig         `mapstructure:"aggregation"`
	Enricher    EnricherConfig            `mapstructure:"enricher"`
	Workers     WorkersConfig             `mapstructure:"workers"`
	Fetch       FetchConfig               `mapstructure:"fetch"`
	Platforms   map[string]PlatformConfig `mapstructure:"platforms"`
	Storage     StorageConfig             `mapstructure:"storage"`
	PubSub      PubSubConfig              `mapstructure:"pubsub"`
	Telemetry   TelemetryConfig           `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

// DatabaseConfig selects Postgres. An empty DSN runs on in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// AgentConfig identifies this process as a crawl agent.
type AgentConfig struct {
	ID               string        `mapstructure:"id"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	VectorizeRetries int           `mapstructure:"vectorize_retries"`
	Topic            string        `mapstructure:"topic"`
}

// SchedulerConfig drives the cron tick that claims due tasks.
type SchedulerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Spec       string        `mapstructure:"spec"`
	BatchSize  int           `mapstructure:"batch_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Timezone   string        `mapstructure:"timezone"`
}

// RetryConfig shapes the shared retry policy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Strategy   string        `mapstructure:"strategy"`
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
}

// AggregationConfig tunes the aggregation engine.
type AggregationConfig struct {
	SingletonPolicy string        `mapstructure:"singleton_policy"`
	Combine         string        `mapstructure:"combine"`
	Weight          float64       `mapstructure:"weight"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
}

// EnricherConfig selects the grouping model.
type EnricherConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// WorkersConfig sizes the downstream job pools.
type WorkersConfig struct {
	Vectorization int           `mapstructure:"vectorization"`
	ArticleCrawl  int           `mapstructure:"article_crawl"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ArticleTopic receives a notice per archived article.
	ArticleTopic string `mapstructure:"article_topic"`
	// VectorizeTopic is consumed by the embedding service.
	VectorizeTopic string `mapstructure:"vectorize_topic"`
}

// FetchConfig configures the listing fetcher.
type FetchConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PlatformConfig overrides one platform's capability and names its endpoint.
type PlatformConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// StorageConfig sets where batch snapshots are archived.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds the downstream notification target. An empty project
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// TelemetryConfig controls tracing. An empty trace project keeps spans local.
type TelemetryConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	TraceProjectID string  `mapstructure:"trace_project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)
	v.SetDefault("agent.id", "")
	v.SetDefault("agent.lease_ttl", "10m")
	v.SetDefault("agent.vectorize_retries", 3)
	v.SetDefault("agent.topic", "items.inserted")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 30s")
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.stale_after", "30m")
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.strategy", "exponential")
	v.SetDefault("retry.base", "1s")
	v.SetDefault("retry.max", "5m")
	v.SetDefault("aggregation.singleton_policy", string(aggregate.PolicyLeave))
	v.SetDefault("aggregation.combine", "sum")
	v.SetDefault("aggregation.weight", 0.5)
	v.SetDefault("aggregation.lease_ttl", "10m")
	v.SetDefault("enricher.model", "gemini-2.0-flash")
	v.SetDefault("enricher.temperature", 0.2)
	v.SetDefault("workers.vectorization", 2)
	v.SetDefault("workers.article_crawl", 0)
	v.SetDefault("workers.lease_ttl", "5m")
	v.SetDefault("workers.poll_interval", "1s")
	v.SetDefault("workers.sweep_interval", "1m")
	v.SetDefault("workers.article_topic", "articles.stored")
	v.SetDefault("workers.vectorize_topic", "items.vectorize")
	v.SetDefault("fetch.user_agent", "hotfeed-orchestrator/0.1")
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.local_dir", "data/snapshots")
	v.SetDefault("telemetry.service_name", "hotfeed-orchestrator")
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
	if c.Agent.LeaseTTL <= 0 {
		return fmt.Errorf("agent.lease_ttl must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.Spec == "" {
		return fmt.Errorf("scheduler.spec must be set when the scheduler is enabled")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	switch c.Retry.Strategy {
	case "exponential", "constant":
	default:
		return fmt.Errorf("retry.strategy must be exponential or constant, got %q", c.Retry.Strategy)
	}
	if c.Retry.Base <= 0 {
		return fmt.Errorf("retry.base must be > 0")
	}
	switch aggregate.SingletonPolicy(c.Aggregation.SingletonPolicy) {
	case aggregate.PolicyLeave, aggregate.PolicySingleton:
	default:
		return fmt.Errorf("aggregation.singleton_policy must be leave or singleton, got %q", c.Aggregation.SingletonPolicy)
	}
	switch c.Aggregation.Combine {
	case "sum", "weighted_max":
	default:
		return fmt.Errorf("aggregation.combine must be sum or weighted_max, got %q", c.Aggregation.Combine)
	}
	if c.Workers.Vectorization < 0 || c.Workers.ArticleCrawl < 0 {
		return fmt.Errorf("workers counts must be >= 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if _, err := c.PlatformTable(); err != nil {
		return err
	}
	return nil
}

// Location resolves scheduler.timezone; it decides which day items bucket into.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// PlatformTable applies the platform overrides to the capability table.
func (c Config) PlatformTable() (*platform.Table, error) {
	overrides := make(map[string]platform.Override, len(c.Platforms))
	for code, p := range c.Platforms {
		overrides[code] = platform.Override{
			RatePerMinute: p.RatePerMinute,
			Burst:         p.Burst,
			FetchTimeout:  p.FetchTimeout,
		}
	}
	table, err := platform.NewTable(overrides)
	if err != nil {
		return nil, fmt.Errorf("platforms: %w", err)
	}
	return table, nil
}

// Endpoints returns the configured listing endpoint per platform.
func (c Config) Endpoints() map[platform.Code]string {
	out := make(map[platform.Code]string, len(c.Platforms))
	for raw, p := range c.Platforms {
		code, err := platform.Parse(raw)
		if err != nil || p.Endpoint == "" {
			continue
		}
		out[code] = p.Endpoint
	}
	return out
}

// Combiner returns the configured score combiner.
func (c Config) Combiner() aggregate.Combiner {
	if c.Aggregation.Combine == "weighted_max" {
		return aggregate.WeightedMax(c.Aggregation.Weight)
	}
	return aggregate.Sum
}

// RetryPolicy builds the shared retry policy.
func (c Config) RetryPolicy() retry.Policy {
	var backoff retry.Strategy = retry.Exponential{Base: c.Retry.Base, Max: c.Retry.Max}
	if c.Retry.Strategy == "constant" {
		backoff = retry.Constant{Wait: c.Retry.Base}
	}
	return retry.Policy{MaxRetries: c.Retry.MaxRetries, Backoff: backoff}
}
