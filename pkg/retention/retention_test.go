package retention

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
	"github.com/terminusa/monitor/pkg/store/memory"
)

func testRetention() config.Retention {
	return config.Retention{
		Raw:     24 * time.Hour,
		FiveMin: 7 * 24 * time.Hour,
		Hourly:  30 * 24 * time.Hour,
		Daily:   365 * 24 * time.Hour,
		Monthly: 2 * 365 * 24 * time.Hour,
	}
}

func TestEvict_CompleteAndBounded(t *testing.T) {
	st := memory.New()
	mgr := New(st, testRetention(), zap.NewNop())
	ctx := context.Background()

	now := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)

	err := st.WriteSamples(ctx, []metric.Sample{
		{Metric: "cpu", Timestamp: cutoff.Add(-time.Hour), Value: 1},   // expired
		{Metric: "cpu", Timestamp: cutoff.Add(-time.Minute), Value: 2}, // expired
		{Metric: "cpu", Timestamp: cutoff, Value: 3},                   // exactly at cutoff, kept
		{Metric: "cpu", Timestamp: cutoff.Add(time.Minute), Value: 4},  // kept
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := mgr.Evict(ctx, metric.TierRaw, now)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	left, err := st.QuerySamples(ctx, store.Range{
		Metric: "cpu", From: cutoff.Add(-2 * time.Hour), To: now,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("surviving samples = %d, want 2", len(left))
	}
	if left[0].Value != 3 || left[1].Value != 4 {
		t.Errorf("wrong samples survived: %+v", left)
	}
}

func TestEvictAll_PerTierTTLs(t *testing.T) {
	st := memory.New()
	mgr := New(st, testRetention(), zap.NewNop())
	ctx := context.Background()

	now := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)

	// One expired and one live entry per aggregate tier.
	for tier, ttl := range map[metric.Tier]time.Duration{
		metric.Tier5Min:   7 * 24 * time.Hour,
		metric.TierHourly: 30 * 24 * time.Hour,
		metric.TierDaily:  365 * 24 * time.Hour,
	} {
		for i, start := range []time.Time{
			now.Add(-ttl - time.Hour),
			now.Add(-ttl + time.Hour),
		} {
			err := st.UpsertAggregate(ctx, metric.Aggregate{
				Metric: "cpu", Window: tier, WindowStart: start,
				Sum: float64(i), Count: 1,
			})
			if err != nil {
				t.Fatalf("seed %s: %v", tier, err)
			}
		}
	}

	if err := mgr.EvictAll(ctx, now); err != nil {
		t.Fatalf("evict all: %v", err)
	}

	for _, tier := range []metric.Tier{metric.Tier5Min, metric.TierHourly, metric.TierDaily} {
		got, err := st.QueryAggregates(ctx, store.Range{
			Tier: tier, From: now.Add(-400 * 24 * time.Hour), To: now,
		})
		if err != nil {
			t.Fatalf("query %s: %v", tier, err)
		}
		if len(got) != 1 {
			t.Errorf("%s: surviving aggregates = %d, want 1", tier, len(got))
		}
	}
}

func TestEvict_ZeroTTLSkips(t *testing.T) {
	st := memory.New()
	mgr := New(st, config.Retention{}, zap.NewNop())
	ctx := context.Background()

	err := st.WriteSamples(ctx, []metric.Sample{
		{Metric: "cpu", Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Value: 1},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := mgr.Evict(ctx, metric.TierRaw, time.Now())
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 0 {
		t.Errorf("zero TTL evicted %d entries", removed)
	}
}
