// Package memory is an in-memory Store. Data is lost on restart; it backs
// tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

// Store keeps samples and aggregates in plain slices and maps guarded by
// a single RWMutex.
type Store struct {
	mu         sync.RWMutex
	samples    []metric.Sample
	aggregates map[string]metric.Aggregate
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		samples:    make([]metric.Sample, 0, 1024),
		aggregates: make(map[string]metric.Aggregate),
	}
}

// WriteSamples appends samples.
func (s *Store) WriteSamples(ctx context.Context, samples []metric.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
	return nil
}

// UpsertAggregate replaces any aggregate with the same key.
func (s *Store) UpsertAggregate(ctx context.Context, agg metric.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates[agg.Key()] = agg
	return nil
}

// QuerySamples returns raw samples in the requested range.
func (s *Store) QuerySamples(ctx context.Context, req store.Range) ([]metric.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metric.Sample
	for _, sm := range s.samples {
		if !inRange(sm.Timestamp, req.From, req.To) {
			continue
		}
		if req.Metric != "" && sm.Metric != req.Metric {
			continue
		}
		out = append(out, sm)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// QueryAggregates returns aggregates of the requested tier.
func (s *Store) QueryAggregates(ctx context.Context, req store.Range) ([]metric.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []metric.Aggregate
	for _, agg := range s.aggregates {
		if agg.Window != req.Tier {
			continue
		}
		if !inRange(agg.WindowStart, req.From, req.To) {
			continue
		}
		if req.Metric != "" && agg.Metric != req.Metric {
			continue
		}
		out = append(out, agg)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

// DeleteOlderThan removes tier data strictly older than cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, tier metric.Tier, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	if tier == metric.TierRaw {
		kept := s.samples[:0]
		for _, sm := range s.samples {
			if sm.Timestamp.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, sm)
		}
		s.samples = kept
		return deleted, nil
	}

	for key, agg := range s.aggregates {
		if agg.Window == tier && agg.WindowStart.Before(cutoff) {
			delete(s.aggregates, key)
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{
		Samples:    uint64(len(s.samples)),
		Aggregates: uint64(len(s.aggregates)),
	}
	for _, sm := range s.samples {
		if stats.OldestSample.IsZero() || sm.Timestamp.Before(stats.OldestSample) {
			stats.OldestSample = sm.Timestamp
		}
		if sm.Timestamp.After(stats.NewestSample) {
			stats.NewestSample = sm.Timestamp
		}
	}
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}

// inRange reports From <= ts < To.
func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}
