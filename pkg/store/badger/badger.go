// Package badger implements store.Store on BadgerDB (LSM tree). It is the
// default durable backend.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

// Store implements store.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to the database directory.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB bounds BadgerDB memory usage (0 = 48 MB default).
	MaxMemoryMB int64
}

// New opens a BadgerDB store tuned for a small time-series workload.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Badger's defaults assume a dedicated database host. The pipeline
	// shares its node with the game server, so memory is capped hard.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(1).
		WithValueThreshold(1024).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Tier tags prefix every key so range scans and per-tier deletes stay
// bounded to one tier.
var tierTags = map[metric.Tier]byte{
	metric.TierRaw:     'r',
	metric.Tier5Min:    '5',
	metric.TierHourly:  'h',
	metric.TierDaily:   'd',
	metric.TierMonthly: 'm',
}

// makeKey builds a sortable key: [tier tag][metric hash (8)][unix nanos (8)].
func makeKey(tier metric.Tier, name string, ts time.Time) []byte {
	key := make([]byte, 17)
	key[0] = tierTags[tier]
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(name))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	return key
}

// keyTimestamp extracts the timestamp from a storage key.
func keyTimestamp(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17]))).UTC()
}

// WriteSamples appends raw samples in one transaction.
func (s *Store) WriteSamples(ctx context.Context, samples []metric.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.run(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, sm := range samples {
				value, err := json.Marshal(sm)
				if err != nil {
					return fmt.Errorf("encode sample: %w", err)
				}
				if err := txn.Set(makeKey(metric.TierRaw, sm.Metric, sm.Timestamp), value); err != nil {
					return fmt.Errorf("write sample: %w", err)
				}
			}
			return nil
		})
	})
}

// UpsertAggregate writes an aggregate; the key is derived from the
// (metric, window, window_start) identity so rewrites replace in place.
func (s *Store) UpsertAggregate(ctx context.Context, agg metric.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	return s.run(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(makeKey(agg.Window, agg.Metric, agg.WindowStart), value)
		})
	})
}

// QuerySamples returns raw samples in [req.From, req.To).
func (s *Store) QuerySamples(ctx context.Context, req store.Range) ([]metric.Sample, error) {
	var out []metric.Sample
	err := s.scan(ctx, metric.TierRaw, req, func(val []byte) error {
		var sm metric.Sample
		if err := json.Unmarshal(val, &sm); err != nil {
			return fmt.Errorf("decode sample: %w", err)
		}
		if req.Metric == "" || sm.Metric == req.Metric {
			out = append(out, sm)
		}
		return nil
	}, func() int { return len(out) })
	if err != nil {
		return nil, err
	}
	sortSamples(out)
	return out, nil
}

// QueryAggregates returns aggregates of req.Tier in [req.From, req.To).
func (s *Store) QueryAggregates(ctx context.Context, req store.Range) ([]metric.Aggregate, error) {
	var out []metric.Aggregate
	err := s.scan(ctx, req.Tier, req, func(val []byte) error {
		var agg metric.Aggregate
		if err := json.Unmarshal(val, &agg); err != nil {
			return fmt.Errorf("decode aggregate: %w", err)
		}
		if req.Metric == "" || agg.Metric == req.Metric {
			out = append(out, agg)
		}
		return nil
	}, func() int { return len(out) })
	if err != nil {
		return nil, err
	}
	sortAggregates(out)
	return out, nil
}

// DeleteOlderThan removes tier entries with timestamps strictly before
// cutoff. Keys are collected first, then deleted in the same transaction.
func (s *Store) DeleteOlderThan(ctx context.Context, tier metric.Tier, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	err := s.run(ctx, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false
			iterOpts.Prefix = []byte{tierTags[tier]}

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var keys [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				if keyTimestamp(item.Key()).Before(cutoff) {
					keys = append(keys, item.KeyCopy(nil))
				}
			}
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			deleted = len(keys)
			return nil
		})
	})
	return deleted, err
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &store.Stats{}
	err := s.run(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchValues = false

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				if key[0] == tierTags[metric.TierRaw] {
					stats.Samples++
					ts := keyTimestamp(key)
					if stats.OldestSample.IsZero() || ts.Before(stats.OldestSample) {
						stats.OldestSample = ts
					}
					if ts.After(stats.NewestSample) {
						stats.NewestSample = ts
					}
				} else {
					stats.Aggregates++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs Badger's value log garbage collection. Deleted tiers stay in
// the value log until GC reclaims them.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// scan iterates one tier's keyspace, filtering by the key timestamp
// before touching values. Cancellation is checked every 1000 iterations.
func (s *Store) scan(ctx context.Context, tier metric.Tier, req store.Range, visit func([]byte) error, count func() int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.run(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.PrefetchSize = 100
			iterOpts.Prefix = []byte{tierTags[tier]}

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			iterCount := 0
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				ts := keyTimestamp(item.Key())
				if ts.Before(req.From) || !ts.Before(req.To) {
					continue
				}
				if err := item.Value(visit); err != nil {
					return err
				}
				if req.Limit > 0 && count() >= req.Limit {
					return nil
				}
			}
			return nil
		})
	})
}

// run executes op on its own goroutine so a stuck Badger transaction
// cannot outlive the caller's context.
func (s *Store) run(ctx context.Context, op func() error) error {
	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("store operation cancelled: %w", ctx.Err())
	}
}

// Keys interleave metric hashes, so results from a multi-metric scan are
// not globally time-ordered and need a final sort.
func sortSamples(samples []metric.Sample) {
	sort.Slice(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
}

func sortAggregates(aggs []metric.Aggregate) {
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].WindowStart.Before(aggs[j].WindowStart) })
}
