// Package redis implements store.Store on a Redis instance. The original
// deployment kept raw metrics in the game's Redis, so this backend stays
// available for nodes without local disk to spare.
//
// Layout: one sorted set per tier, scored by timestamp, members JSON.
// Aggregates additionally key a hash by (metric, window_start) so upserts
// replace in place.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

const keyPrefix = "monitor"

// Store implements store.Store on Redis.
type Store struct {
	client *redis.Client
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		DB:         db,
		PoolSize:   10,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

func samplesKey() string {
	return keyPrefix + ":samples"
}

func aggregatesKey(tier metric.Tier) string {
	return keyPrefix + ":aggregates:" + string(tier)
}

// WriteSamples appends samples to the raw sorted set.
func (s *Store) WriteSamples(ctx context.Context, samples []metric.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(samples))
	for _, sm := range samples {
		data, err := json.Marshal(sm)
		if err != nil {
			return fmt.Errorf("encode sample: %w", err)
		}
		members = append(members, redis.Z{
			Score:  float64(sm.Timestamp.UnixNano()),
			Member: string(data),
		})
	}
	if err := s.client.ZAdd(ctx, samplesKey(), members...).Err(); err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	return nil
}

// UpsertAggregate replaces the member for the aggregate's identity. The
// previous member is removed from the sorted set first so recomputing a
// window never leaves two entries behind.
func (s *Store) UpsertAggregate(ctx context.Context, agg metric.Aggregate) error {
	data, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}

	key := aggregatesKey(agg.Window)
	field := agg.Metric + "@" + strconv.FormatInt(agg.WindowStart.UnixNano(), 10)

	// Two structures per tier: a hash for identity-based replacement and
	// a sorted set for range scans. Replace the hash entry, then swap the
	// sorted-set member in a pipeline.
	prev, err := s.client.HGet(ctx, key+":idx", field).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read aggregate index: %w", err)
	}

	pipe := s.client.TxPipeline()
	if prev != "" {
		pipe.ZRem(ctx, key, prev)
	}
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(agg.WindowStart.UnixNano()),
		Member: string(data),
	})
	pipe.HSet(ctx, key+":idx", field, string(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// QuerySamples returns raw samples in [req.From, req.To).
func (s *Store) QuerySamples(ctx context.Context, req store.Range) ([]metric.Sample, error) {
	members, err := s.rangeByScore(ctx, samplesKey(), req.From, req.To)
	if err != nil {
		return nil, err
	}

	var out []metric.Sample
	for _, member := range members {
		var sm metric.Sample
		if err := json.Unmarshal([]byte(member), &sm); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		if req.Metric != "" && sm.Metric != req.Metric {
			continue
		}
		out = append(out, sm)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// QueryAggregates returns aggregates of req.Tier in [req.From, req.To).
func (s *Store) QueryAggregates(ctx context.Context, req store.Range) ([]metric.Aggregate, error) {
	members, err := s.rangeByScore(ctx, aggregatesKey(req.Tier), req.From, req.To)
	if err != nil {
		return nil, err
	}

	var out []metric.Aggregate
	for _, member := range members {
		var agg metric.Aggregate
		if err := json.Unmarshal([]byte(member), &agg); err != nil {
			return nil, fmt.Errorf("decode aggregate: %w", err)
		}
		if req.Metric != "" && agg.Metric != req.Metric {
			continue
		}
		out = append(out, agg)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// DeleteOlderThan removes tier entries strictly older than cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, tier metric.Tier, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixNano(), 10)

	if tier == metric.TierRaw {
		n, err := s.client.ZRemRangeByScore(ctx, samplesKey(), "-inf", max).Result()
		if err != nil {
			return 0, fmt.Errorf("delete raw tier: %w", err)
		}
		return int(n), nil
	}

	key := aggregatesKey(tier)

	// Remove stale index fields before dropping the members themselves.
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan %s tier: %w", tier, err)
	}
	for _, member := range members {
		var agg metric.Aggregate
		if err := json.Unmarshal([]byte(member), &agg); err != nil {
			continue
		}
		field := agg.Metric + "@" + strconv.FormatInt(agg.WindowStart.UnixNano(), 10)
		if err := s.client.HDel(ctx, key+":idx", field).Err(); err != nil {
			return 0, fmt.Errorf("delete aggregate index: %w", err)
		}
	}

	n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("delete %s tier: %w", tier, err)
	}
	return int(n), nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}

	n, err := s.client.ZCard(ctx, samplesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("sample stats: %w", err)
	}
	stats.Samples = uint64(n)

	for _, tier := range metric.AggregateTiers {
		n, err := s.client.ZCard(ctx, aggregatesKey(tier)).Result()
		if err != nil {
			return nil, fmt.Errorf("aggregate stats: %w", err)
		}
		stats.Aggregates += uint64(n)
	}

	if oldest, err := s.client.ZRangeWithScores(ctx, samplesKey(), 0, 0).Result(); err == nil && len(oldest) > 0 {
		stats.OldestSample = time.Unix(0, int64(oldest[0].Score)).UTC()
	}
	if newest, err := s.client.ZRangeWithScores(ctx, samplesKey(), -1, -1).Result(); err == nil && len(newest) > 0 {
		stats.NewestSample = time.Unix(0, int64(newest[0].Score)).UTC()
	}
	return stats, nil
}

// Close shuts down the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// rangeByScore fetches members scored in [from, to).
func (s *Store) rangeByScore(ctx context.Context, key string, from, to time.Time) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: "(" + strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	return members, nil
}
