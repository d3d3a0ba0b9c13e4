package collect

import (
	"context"
	"net/http"
	"time"

	"github.com/terminusa/monitor/pkg/metric"
)

// Metric names emitted by the application collector.
const (
	MetricResponseTimeMS = "app.response_time_ms"
	MetricEndpointUp     = "app.up"
)

// AppCollector probes the game's HTTP health endpoints and records
// response time and availability per endpoint.
type AppCollector struct {
	endpoints []string
	client    *http.Client
}

// NewAppCollector probes the given URLs. The client timeout is left to
// the runner's per-collection context.
func NewAppCollector(endpoints []string) *AppCollector {
	return &AppCollector{
		endpoints: endpoints,
		client:    &http.Client{},
	}
}

// Class implements Collector.
func (c *AppCollector) Class() metric.Class {
	return metric.ClassApplication
}

// Collect probes each endpoint. An unreachable endpoint is recorded as
// down (up=0) rather than failing the pass, so one dead service does not
// hide measurements of the others.
func (c *AppCollector) Collect(ctx context.Context) ([]metric.Sample, error) {
	samples := make([]metric.Sample, 0, 2*len(c.endpoints))

	for _, endpoint := range c.endpoints {
		now := time.Now().UTC()
		tags := map[string]string{"endpoint": endpoint}

		up, elapsed := c.probe(ctx, endpoint)
		samples = append(samples, metric.Sample{
			Metric: MetricEndpointUp, Timestamp: now, Value: up, Tags: tags,
		})
		if up == 1 {
			samples = append(samples, metric.Sample{
				Metric:    MetricResponseTimeMS,
				Timestamp: now,
				Value:     float64(elapsed.Milliseconds()),
				Tags:      tags,
			})
		}
	}
	return samples, nil
}

func (c *AppCollector) probe(ctx context.Context, endpoint string) (up float64, elapsed time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0
	}
	return 1, time.Since(start)
}
