package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminusa/monitor/pkg/metric"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 60*time.Second, cfg.Collection.SystemInterval)
	assert.Equal(t, 30*time.Second, cfg.Collection.ApplicationInterval)
	assert.Equal(t, 300*time.Second, cfg.Collection.DatabaseInterval)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.Grace)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Raw)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.FiveMin)
	assert.Equal(t, 2*365*24*time.Hour, cfg.Retention.Monthly)
	assert.Equal(t, time.Minute, cfg.Alerting.EvaluationInterval)
	assert.True(t, cfg.Alerting.NotifyResolved)
}

func validConfig() *Config {
	return &Config{
		Storage: Storage{Backend: "memory"},
		Collection: Collection{
			SystemInterval:      time.Minute,
			ApplicationInterval: 30 * time.Second,
			DatabaseInterval:    5 * time.Minute,
			Timeout:             10 * time.Second,
			WriteRetries:        3,
		},
		Aggregation: Aggregation{Grace: 30 * time.Second, ReadTimeout: 30 * time.Second},
		Retention: Retention{
			Raw: 24 * time.Hour, FiveMin: 168 * time.Hour, Hourly: 720 * time.Hour,
			Daily: 8760 * time.Hour, Monthly: 17520 * time.Hour,
		},
		Alerting: Alerting{EvaluationInterval: time.Minute, DispatchTimeout: 5 * time.Second},
		Metrics: []Metric{
			{Name: "cpu", Class: metric.ClassSystem, Unit: "percent"},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongodb" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }},
		{"zero interval", func(c *Config) { c.Collection.SystemInterval = 0 }},
		{"negative grace", func(c *Config) { c.Aggregation.Grace = -time.Second }},
		{"duplicate metric", func(c *Config) {
			c.Metrics = append(c.Metrics, c.Metrics[0])
		}},
		{"threshold on unknown metric", func(c *Config) {
			c.Thresholds = []metric.Threshold{{Metric: "nope", Level: metric.LevelWarning, Operator: metric.OpGreaterThan}}
		}},
		{"threshold with bad operator", func(c *Config) {
			c.Thresholds = []metric.Threshold{{Metric: "cpu", Level: metric.LevelWarning, Operator: "between"}}
		}},
		{"email channel without recipients", func(c *Config) {
			c.Channels = []Channel{{Name: "mail", Type: "email", SMTPAddr: "localhost:25"}}
		}},
		{"webhook channel without url", func(c *Config) {
			c.Channels = []Channel{{Name: "hook", Type: "webhook"}}
		}},
		{"duplicate channel name", func(c *Config) {
			ch := Channel{Name: "ws", Type: "websocket"}
			c.Channels = []Channel{ch, ch}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestChannelThrottle_PerLevel(t *testing.T) {
	ch := Channel{ThrottleWarning: 300 * time.Second, ThrottleCritical: 60 * time.Second}
	assert.Equal(t, 300*time.Second, ch.Throttle(metric.LevelWarning))
	assert.Equal(t, 60*time.Second, ch.Throttle(metric.LevelCritical))
}

func TestRegistry_FromConfig(t *testing.T) {
	cfg := validConfig()
	reg, err := cfg.Registry()
	require.NoError(t, err)

	m, ok := reg.Get("cpu")
	require.True(t, ok)
	assert.Equal(t, metric.ClassSystem, m.Class)
}
