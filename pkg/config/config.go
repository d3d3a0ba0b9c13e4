// Package config loads and validates the pipeline configuration. All
// options are read once at startup; there is no hot reload. Structural
// problems (unknown metric in a threshold, malformed operator, zero
// interval) fail here rather than at run time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/terminusa/monitor/pkg/metric"
)

// Config holds every configurable value for the pipeline.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`

	Storage     Storage     `mapstructure:"storage"`
	Collection  Collection  `mapstructure:"collection"`
	Aggregation Aggregation `mapstructure:"aggregation"`
	Retention   Retention   `mapstructure:"retention"`
	Alerting    Alerting    `mapstructure:"alerting"`
	Backup      Backup      `mapstructure:"backup"`

	Metrics    []Metric           `mapstructure:"metrics"`
	Thresholds []metric.Threshold `mapstructure:"thresholds"`
	Channels   []Channel          `mapstructure:"channels"`
}

// Storage selects and configures the sample store backend.
type Storage struct {
	// Backend is one of "badger", "sqlite", "redis", "memory".
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	MaxMemoryMB int64  `mapstructure:"max_memory_mb"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
}

// Collection configures the per-class collector loops.
type Collection struct {
	SystemInterval      time.Duration `mapstructure:"system_interval"`
	ApplicationInterval time.Duration `mapstructure:"application_interval"`
	DatabaseInterval    time.Duration `mapstructure:"database_interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	WriteRetries        int           `mapstructure:"write_retries"`

	// HealthEndpoints are the application URLs probed for response time
	// and availability.
	HealthEndpoints []string `mapstructure:"health_endpoints"`
}

// Interval returns the collection interval for a metric class.
func (c Collection) Interval(class metric.Class) time.Duration {
	switch class {
	case metric.ClassApplication:
		return c.ApplicationInterval
	case metric.ClassDatabase:
		return c.DatabaseInterval
	default:
		return c.SystemInterval
	}
}

// Aggregation configures the rollup jobs.
type Aggregation struct {
	// Grace delays window close to tolerate clock skew.
	Grace       time.Duration `mapstructure:"grace"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// Retention holds per-tier TTLs.
type Retention struct {
	Raw     time.Duration `mapstructure:"raw"`
	FiveMin time.Duration `mapstructure:"five_min"`
	Hourly  time.Duration `mapstructure:"hourly"`
	Daily   time.Duration `mapstructure:"daily"`
	Monthly time.Duration `mapstructure:"monthly"`
}

// TTL returns the retention period for a tier.
func (r Retention) TTL(tier metric.Tier) time.Duration {
	switch tier {
	case metric.TierRaw:
		return r.Raw
	case metric.Tier5Min:
		return r.FiveMin
	case metric.TierHourly:
		return r.Hourly
	case metric.TierDaily:
		return r.Daily
	case metric.TierMonthly:
		return r.Monthly
	}
	return 0
}

// Alerting configures the evaluation loop.
type Alerting struct {
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
	NotifyResolved     bool          `mapstructure:"notify_resolved"`
}

// Backup configures snapshot storage.
type Backup struct {
	Dir       string        `mapstructure:"dir"`
	Retention time.Duration `mapstructure:"retention"`
}

// Metric is a metric registration entry.
type Metric struct {
	Name  string       `mapstructure:"name"`
	Class metric.Class `mapstructure:"class"`
	Unit  string       `mapstructure:"unit"`
}

// Channel configures one notification channel. Throttle intervals are
// independent per channel, with critical alerts re-notifying faster than
// warnings.
type Channel struct {
	// Name identifies the channel in logs and throttle state.
	Name string `mapstructure:"name"`

	// Type is one of "email", "webhook", "websocket".
	Type string `mapstructure:"type"`

	Enabled  bool         `mapstructure:"enabled"`
	MinLevel metric.Level `mapstructure:"min_level"`

	ThrottleWarning  time.Duration `mapstructure:"throttle_warning"`
	ThrottleCritical time.Duration `mapstructure:"throttle_critical"`

	// Email settings.
	SMTPAddr   string   `mapstructure:"smtp_addr"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`

	// Webhook settings.
	URL string `mapstructure:"url"`
}

// Throttle returns the minimum interval between repeated notifications
// for the given level on this channel.
func (c Channel) Throttle(level metric.Level) time.Duration {
	if level == metric.LevelCritical {
		return c.ThrottleCritical
	}
	return c.ThrottleWarning
}

// Load reads configuration from (in decreasing priority) environment
// variables (MONITOR_*) and an optional yaml file, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MONITOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("monitor")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // file is optional
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults mirror the operational values the game ran with.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8090")

	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.path", "./data/monitor")

	v.SetDefault("collection.system_interval", "60s")
	v.SetDefault("collection.application_interval", "30s")
	v.SetDefault("collection.database_interval", "300s")
	v.SetDefault("collection.timeout", "10s")
	v.SetDefault("collection.write_retries", 3)

	v.SetDefault("aggregation.grace", "30s")
	v.SetDefault("aggregation.read_timeout", "30s")

	v.SetDefault("retention.raw", "24h")
	v.SetDefault("retention.five_min", "168h")  // 7 days
	v.SetDefault("retention.hourly", "720h")    // 30 days
	v.SetDefault("retention.daily", "8760h")    // 365 days
	v.SetDefault("retention.monthly", "17520h") // 2 years

	v.SetDefault("alerting.evaluation_interval", "60s")
	v.SetDefault("alerting.dispatch_timeout", "5s")
	v.SetDefault("alerting.notify_resolved", true)

	v.SetDefault("backup.dir", "./data/snapshots")
	v.SetDefault("backup.retention", "720h") // 30 days
}

// Validate checks every structural constraint eagerly.
func (cfg *Config) Validate() error {
	switch cfg.Storage.Backend {
	case "badger", "sqlite", "memory":
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return fmt.Errorf("storage: redis backend requires redis_addr")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}

	for _, d := range []struct {
		name string
		dur  time.Duration
	}{
		{"collection.system_interval", cfg.Collection.SystemInterval},
		{"collection.application_interval", cfg.Collection.ApplicationInterval},
		{"collection.database_interval", cfg.Collection.DatabaseInterval},
		{"collection.timeout", cfg.Collection.Timeout},
		{"aggregation.read_timeout", cfg.Aggregation.ReadTimeout},
		{"alerting.evaluation_interval", cfg.Alerting.EvaluationInterval},
		{"alerting.dispatch_timeout", cfg.Alerting.DispatchTimeout},
		{"retention.raw", cfg.Retention.Raw},
		{"retention.five_min", cfg.Retention.FiveMin},
		{"retention.hourly", cfg.Retention.Hourly},
		{"retention.daily", cfg.Retention.Daily},
		{"retention.monthly", cfg.Retention.Monthly},
	} {
		if d.dur <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if cfg.Aggregation.Grace < 0 {
		return fmt.Errorf("aggregation.grace cannot be negative")
	}
	if cfg.Collection.WriteRetries < 0 {
		return fmt.Errorf("collection.write_retries cannot be negative")
	}

	registered := make(map[string]bool, len(cfg.Metrics))
	for _, m := range cfg.Metrics {
		if m.Name == "" {
			return fmt.Errorf("metrics: name cannot be empty")
		}
		if !m.Class.Valid() {
			return fmt.Errorf("metric %q: unknown class %q", m.Name, m.Class)
		}
		if registered[m.Name] {
			return fmt.Errorf("metric %q registered twice", m.Name)
		}
		registered[m.Name] = true
	}

	for _, t := range cfg.Thresholds {
		if !registered[t.Metric] {
			return fmt.Errorf("threshold references unregistered metric %q", t.Metric)
		}
		if !t.Level.Valid() {
			return fmt.Errorf("threshold for %q: unknown level %q", t.Metric, t.Level)
		}
		if !t.Operator.Valid() {
			return fmt.Errorf("threshold for %q: unknown operator %q", t.Metric, t.Operator)
		}
	}

	names := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels: name cannot be empty")
		}
		if names[ch.Name] {
			return fmt.Errorf("channel %q configured twice", ch.Name)
		}
		names[ch.Name] = true

		switch ch.Type {
		case "email":
			if ch.SMTPAddr == "" || len(ch.Recipients) == 0 {
				return fmt.Errorf("channel %q: email requires smtp_addr and recipients", ch.Name)
			}
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("channel %q: webhook requires url", ch.Name)
			}
		case "websocket":
		default:
			return fmt.Errorf("channel %q: unknown type %q", ch.Name, ch.Type)
		}

		if ch.MinLevel != "" && !ch.MinLevel.Valid() {
			return fmt.Errorf("channel %q: unknown min_level %q", ch.Name, ch.MinLevel)
		}
		if ch.ThrottleWarning < 0 || ch.ThrottleCritical < 0 {
			return fmt.Errorf("channel %q: throttle intervals cannot be negative", ch.Name)
		}
	}
	return nil
}

// Registry builds the metric registry from the configured metrics.
func (cfg *Config) Registry() (*metric.Registry, error) {
	reg := metric.NewRegistry()
	for _, m := range cfg.Metrics {
		if err := reg.Register(metric.Metric{Name: m.Name, Class: m.Class, Unit: m.Unit}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
