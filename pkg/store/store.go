// Package store defines the sample store abstraction shared by every
// pipeline task. It is the only shared mutable resource: the collector
// appends samples, the aggregator upserts rollups, the retention manager
// deletes aged tiers, and the backup manager exports and reloads state.
//
// Implementations: memory (testing), badger (default durable backend),
// sqlite (relational), redis (attached cache).
package store

import (
	"context"
	"time"

	"github.com/terminusa/monitor/pkg/metric"
)

// Store is the durable backend for samples and aggregates. All writers
// use append/upsert semantics that are safe under concurrent access; no
// external locking is required.
type Store interface {
	// WriteSamples appends raw samples. Samples are immutable once
	// written.
	WriteSamples(ctx context.Context, samples []metric.Sample) error

	// UpsertAggregate stores an aggregate, replacing any prior value for
	// the same (metric, window, window_start) key.
	UpsertAggregate(ctx context.Context, agg metric.Aggregate) error

	// QuerySamples returns raw samples in [req.From, req.To), ordered by
	// timestamp ascending.
	QuerySamples(ctx context.Context, req Range) ([]metric.Sample, error)

	// QueryAggregates returns aggregates of req.Tier whose window start
	// falls in [req.From, req.To), ordered by window start ascending.
	QueryAggregates(ctx context.Context, req Range) ([]metric.Aggregate, error)

	// DeleteOlderThan removes all data of the tier strictly older than
	// cutoff and reports how many entries were deleted. TierRaw deletes
	// samples; aggregate tiers delete aggregates by window start.
	DeleteOlderThan(ctx context.Context, tier metric.Tier, cutoff time.Time) (int, error)

	// Stats returns storage usage for health reporting.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources.
	Close() error
}

// Range selects data for a query. Metric empty means all metrics.
// Tier is ignored by QuerySamples (samples are always the raw tier).
type Range struct {
	Metric string
	Tier   metric.Tier
	From   time.Time
	To     time.Time

	// Limit caps the number of results (0 = unlimited).
	Limit int
}

// Stats describes current storage usage.
type Stats struct {
	Samples      uint64    `json:"samples"`
	Aggregates   uint64    `json:"aggregates"`
	OldestSample time.Time `json:"oldest_sample"`
	NewestSample time.Time `json:"newest_sample"`
}
