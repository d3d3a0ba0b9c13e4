package collect

import (
	"context"
	"database/sql"
	"time"

	"github.com/terminusa/monitor/pkg/metric"
)

// Metric names emitted by the database collector.
const (
	MetricDBConnsOpen  = "db.connections.open"
	MetricDBConnsInUse = "db.connections.in_use"
	MetricDBWaitCount  = "db.wait_count"
)

// DBCollector samples connection-pool statistics from the relational
// store the pipeline shares its node with. Only wired when the sqlite
// backend (or an external *sql.DB) is in use.
type DBCollector struct {
	db *sql.DB
}

// NewDBCollector wraps an open database handle.
func NewDBCollector(db *sql.DB) *DBCollector {
	return &DBCollector{db: db}
}

// Class implements Collector.
func (c *DBCollector) Class() metric.Class {
	return metric.ClassDatabase
}

// Collect reads sql.DBStats. The read is in-process and cannot block, but
// a ping first verifies the backend is actually reachable.
func (c *DBCollector) Collect(ctx context.Context) ([]metric.Sample, error) {
	if err := c.db.PingContext(ctx); err != nil {
		return nil, &CollectionError{Source: "database", Err: err}
	}

	now := time.Now().UTC()
	stats := c.db.Stats()
	return []metric.Sample{
		{Metric: MetricDBConnsOpen, Timestamp: now, Value: float64(stats.OpenConnections)},
		{Metric: MetricDBConnsInUse, Timestamp: now, Value: float64(stats.InUse)},
		{Metric: MetricDBWaitCount, Timestamp: now, Value: float64(stats.WaitCount)},
	}, nil
}
