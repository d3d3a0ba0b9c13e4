// Package rollup folds fine-grained data into coarser time windows. The
// 5min tier is computed from raw samples; every coarser tier is computed
// from the tier below it, so a day is 24 hourly aggregates rather than
// tens of thousands of raw points.
package rollup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store"
)

// AggregationError wraps a failed rollup of one window. The window is
// retried on the next scheduler tick since the source data is still
// there.
type AggregationError struct {
	Tier   metric.Tier
	Window time.Time
	Err    error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("rollup %s window %s failed: %v",
		e.Tier, e.Window.Format(time.RFC3339), e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

// Aggregator computes tier rollups over the sample store.
type Aggregator struct {
	store    store.Store
	registry *metric.Registry
	tracker  *selfmon.Tracker
	log      *zap.Logger

	// grace delays window close so late samples still land inside
	// their window.
	grace       time.Duration
	readTimeout time.Duration
}

// New builds an aggregator over the given store and metric registry.
func New(st store.Store, reg *metric.Registry, tracker *selfmon.Tracker, log *zap.Logger, grace, readTimeout time.Duration) *Aggregator {
	return &Aggregator{
		store:       st,
		registry:    reg,
		tracker:     tracker,
		log:         log,
		grace:       grace,
		readTimeout: readTimeout,
	}
}

// RollupTier aggregates the most recent closed window of the tier for
// every registered metric. Re-running for an already-aggregated window
// recomputes the same values and upserts them, so a missed or repeated
// tick never double-counts.
func (a *Aggregator) RollupTier(ctx context.Context, tier metric.Tier, now time.Time) error {
	windowStart := tier.PreviousWindow(now, a.grace)
	return a.RollupWindow(ctx, tier, windowStart)
}

// RollupWindow aggregates one specific window of the tier. Metrics with
// no data in the window produce no aggregate. An error on one metric
// does not stop the others; the first error is returned after the full
// pass.
func (a *Aggregator) RollupWindow(ctx context.Context, tier metric.Tier, windowStart time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.readTimeout)
	defer cancel()

	windowEnd := tier.WindowEnd(windowStart)
	log := a.log.With(
		zap.String("tier", string(tier)),
		zap.Time("window", windowStart),
	)

	var firstErr error
	written := 0
	for _, m := range a.registry.All() {
		agg, ok, err := a.aggregate(ctx, m.Name, tier, windowStart, windowEnd)
		if err != nil {
			log.Warn("rollup failed for metric", zap.String("metric", m.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = &AggregationError{Tier: tier, Window: windowStart, Err: err}
			}
			continue
		}
		if !ok {
			continue
		}
		if err := a.store.UpsertAggregate(ctx, agg); err != nil {
			log.Warn("aggregate write failed", zap.String("metric", m.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = &AggregationError{Tier: tier, Window: windowStart, Err: err}
			}
			continue
		}
		written++
	}

	if firstErr == nil {
		a.tracker.RecordAggregation(tier, time.Now())
		log.Debug("rollup complete", zap.Int("aggregates", written))
	}
	return firstErr
}

// aggregate computes one metric's aggregate for [windowStart, windowEnd).
// ok is false when the window holds no data.
func (a *Aggregator) aggregate(ctx context.Context, name string, tier metric.Tier, windowStart, windowEnd time.Time) (metric.Aggregate, bool, error) {
	finer := tier.Finer()
	rng := store.Range{
		Metric: name,
		Tier:   finer,
		From:   windowStart,
		To:     windowEnd,
	}

	agg := metric.Aggregate{
		Metric:      name,
		Window:      tier,
		WindowStart: windowStart,
	}

	if finer == metric.TierRaw {
		samples, err := a.store.QuerySamples(ctx, rng)
		if err != nil {
			return metric.Aggregate{}, false, err
		}
		if len(samples) == 0 {
			return metric.Aggregate{}, false, nil
		}
		agg.Min = samples[0].Value
		agg.Max = samples[0].Value
		for _, s := range samples {
			agg.Sum += s.Value
			agg.Count++
			if s.Value < agg.Min {
				agg.Min = s.Value
			}
			if s.Value > agg.Max {
				agg.Max = s.Value
			}
		}
		return agg, true, nil
	}

	// Coarser tiers merge the aggregates below them. Sum and count
	// carry exactly, so the derived average stays drift-free across
	// any number of rollup levels.
	finerAggs, err := a.store.QueryAggregates(ctx, rng)
	if err != nil {
		return metric.Aggregate{}, false, err
	}
	if len(finerAggs) == 0 {
		return metric.Aggregate{}, false, nil
	}
	agg.Min = finerAggs[0].Min
	agg.Max = finerAggs[0].Max
	for _, f := range finerAggs {
		agg.Sum += f.Sum
		agg.Count += f.Count
		if f.Min < agg.Min {
			agg.Min = f.Min
		}
		if f.Max > agg.Max {
			agg.Max = f.Max
		}
	}
	return agg, true, nil
}
