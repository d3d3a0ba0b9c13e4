// Package retention evicts expired metric data per tier. Raw samples go
// quickly; coarser aggregates are cheap to keep and live for months.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

// Manager sweeps expired data out of the sample store.
type Manager struct {
	store store.Store
	cfg   config.Retention
	log   *zap.Logger
}

// New builds a retention manager over the given store.
func New(st store.Store, cfg config.Retention, log *zap.Logger) *Manager {
	return &Manager{store: st, cfg: cfg, log: log}
}

// Evict removes every record of the tier with timestamp strictly older
// than now minus the tier's TTL. Records exactly at the cutoff survive.
func (m *Manager) Evict(ctx context.Context, tier metric.Tier, now time.Time) (int, error) {
	ttl := m.cfg.TTL(tier)
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-ttl)

	removed, err := m.store.DeleteOlderThan(ctx, tier, cutoff)
	if err != nil {
		m.log.Warn("eviction failed",
			zap.String("tier", string(tier)), zap.Error(err))
		return 0, err
	}
	if removed > 0 {
		m.log.Info("evicted expired data",
			zap.String("tier", string(tier)),
			zap.Int("removed", removed),
			zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// EvictAll sweeps every tier. A failing tier is logged and skipped; a
// missed sweep just leaves data for the next run. The first error is
// returned after the full pass.
func (m *Manager) EvictAll(ctx context.Context, now time.Time) error {
	var firstErr error
	tiers := append([]metric.Tier{metric.TierRaw}, metric.AggregateTiers...)
	for _, tier := range tiers {
		if _, err := m.Evict(ctx, tier, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
