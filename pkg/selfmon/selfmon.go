// Package selfmon tracks the pipeline's own health: dropped samples, last
// successful aggregation per tier, open alerts, store errors. State is
// exported as Prometheus metrics for external watchers and re-ingested as
// samples into the pipeline's own store so the alert engine can watch the
// pipeline itself.
package selfmon

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terminusa/monitor/pkg/metric"
)

// Self-monitoring metric names, registered under the application class.
const (
	MetricDroppedSamples    = "pipeline.dropped_samples"
	MetricOpenAlerts        = "pipeline.open_alerts"
	MetricAggregationAgeSec = "pipeline.aggregation_age_seconds"
)

// Status is the health state reported to the supervision layer.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
)

// Health is the health-check response body.
type Health struct {
	Status  Status            `json:"status"`
	Uptime  string            `json:"uptime"`
	Details map[string]string `json:"details,omitempty"`
}

// Tracker aggregates health signals from every pipeline task.
type Tracker struct {
	mu               sync.RWMutex
	droppedSamples   uint64
	openAlerts       int
	lastAggregation  map[metric.Tier]time.Time
	storeErrStreak   int
	restoreFailed    bool
	startedAt        time.Time

	promDropped     prometheus.Counter
	promCollectErrs *prometheus.CounterVec
	promOpenAlerts  prometheus.Gauge
	promLastAgg     *prometheus.GaugeVec
	promStoreErrs   prometheus.Counter

	registry *prometheus.Registry
}

// New creates a tracker with its own Prometheus registry.
func New() *Tracker {
	t := &Tracker{
		lastAggregation: make(map[metric.Tier]time.Time),
		startedAt:       time.Now(),
		registry:        prometheus.NewRegistry(),

		promDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_dropped_samples_total",
			Help: "Samples dropped after exhausting store-write retries.",
		}),
		promCollectErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monitor_collection_errors_total",
			Help: "Failed collector runs by metric class.",
		}, []string{"class"}),
		promOpenAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "monitor_open_alerts",
			Help: "Currently active alerts.",
		}),
		promLastAgg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "monitor_last_aggregation_timestamp_seconds",
			Help: "Unix time of the last successful rollup per tier.",
		}, []string{"tier"}),
		promStoreErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monitor_store_errors_total",
			Help: "Failed sample store operations.",
		}),
	}

	t.registry.MustRegister(
		t.promDropped, t.promCollectErrs, t.promOpenAlerts,
		t.promLastAgg, t.promStoreErrs,
	)
	return t
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// RecordDroppedSamples counts samples lost after exhausted retries.
func (t *Tracker) RecordDroppedSamples(n int) {
	t.mu.Lock()
	t.droppedSamples += uint64(n)
	t.mu.Unlock()
	t.promDropped.Add(float64(n))
}

// RecordCollectionError counts a failed collector run.
func (t *Tracker) RecordCollectionError(class metric.Class) {
	t.promCollectErrs.WithLabelValues(string(class)).Inc()
}

// RecordStoreError tracks consecutive store failures.
func (t *Tracker) RecordStoreError() {
	t.mu.Lock()
	t.storeErrStreak++
	t.mu.Unlock()
	t.promStoreErrs.Inc()
}

// RecordStoreOK resets the store failure streak.
func (t *Tracker) RecordStoreOK() {
	t.mu.Lock()
	t.storeErrStreak = 0
	t.mu.Unlock()
}

// RecordAggregation marks a successful rollup of the tier.
func (t *Tracker) RecordAggregation(tier metric.Tier, at time.Time) {
	t.mu.Lock()
	t.lastAggregation[tier] = at
	t.mu.Unlock()
	t.promLastAgg.WithLabelValues(string(tier)).Set(float64(at.Unix()))
}

// SetOpenAlerts records the current number of active alerts.
func (t *Tracker) SetOpenAlerts(n int) {
	t.mu.Lock()
	t.openAlerts = n
	t.mu.Unlock()
	t.promOpenAlerts.Set(float64(n))
}

// RecordRestoreFailure marks the pipeline as failing; a failed restore
// needs operator attention and is never cleared automatically.
func (t *Tracker) RecordRestoreFailure() {
	t.mu.Lock()
	t.restoreFailed = true
	t.mu.Unlock()
}

// Health computes the current status. The worst subsystem state wins:
// a failed restore or a persistent store failure is failing; dropped
// samples or a stalled aggregator degrade.
func (t *Tracker) Health(now time.Time) Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uptime := now.Sub(t.startedAt).Round(time.Second).String()
	details := make(map[string]string)

	if t.restoreFailed {
		details["restore"] = "restore failed; manual intervention required"
		return Health{Status: StatusFailing, Uptime: uptime, Details: details}
	}
	if t.storeErrStreak > 3 {
		details["store"] = "persistent store failures"
		return Health{Status: StatusFailing, Uptime: uptime, Details: details}
	}

	status := StatusOK
	if t.storeErrStreak > 0 {
		status = StatusDegraded
		details["store"] = "recent store failures"
	}
	if t.droppedSamples > 0 {
		status = StatusDegraded
		details["collector"] = "samples dropped"
	}
	if last, ok := t.lastAggregation[metric.Tier5Min]; ok {
		if age := now.Sub(last); age > 15*time.Minute {
			status = StatusDegraded
			details["aggregator"] = "5min rollup behind: " + age.Round(time.Second).String()
		}
	}
	if len(details) == 0 {
		details = nil
	}
	return Health{Status: status, Uptime: uptime, Details: details}
}

// PipelineCollector re-ingests the tracker's counters as application
// metrics so the alert engine can watch the pipeline itself.
type PipelineCollector struct {
	tracker *Tracker
}

// NewPipelineCollector wraps a tracker.
func NewPipelineCollector(t *Tracker) *PipelineCollector {
	return &PipelineCollector{tracker: t}
}

// Class implements collect.Collector.
func (c *PipelineCollector) Class() metric.Class {
	return metric.ClassApplication
}

// Collect implements collect.Collector.
func (c *PipelineCollector) Collect(ctx context.Context) ([]metric.Sample, error) {
	t := c.tracker
	t.mu.RLock()
	dropped := t.droppedSamples
	open := t.openAlerts
	lastAgg, hasAgg := t.lastAggregation[metric.Tier5Min]
	t.mu.RUnlock()

	now := time.Now().UTC()
	samples := []metric.Sample{
		{Metric: MetricDroppedSamples, Timestamp: now, Value: float64(dropped)},
		{Metric: MetricOpenAlerts, Timestamp: now, Value: float64(open)},
	}
	if hasAgg {
		samples = append(samples, metric.Sample{
			Metric:    MetricAggregationAgeSec,
			Timestamp: now,
			Value:     now.Sub(lastAgg).Seconds(),
		})
	}
	return samples, nil
}
