package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/alert"
	"github.com/terminusa/monitor/pkg/backup"
	"github.com/terminusa/monitor/pkg/collect"
	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/retention"
	"github.com/terminusa/monitor/pkg/rollup"
	"github.com/terminusa/monitor/pkg/sched"
	"github.com/terminusa/monitor/pkg/store"
	badgerstore "github.com/terminusa/monitor/pkg/store/badger"
)

const (
	// retentionSpec staggers eviction away from the top of the hour,
	// where the hourly rollup runs.
	retentionSpec = "15 * * * *"

	// backupSpec runs the nightly snapshot during the low-traffic window.
	backupSpec = "0 3 * * *"

	badgerGCInterval = 10 * time.Minute
	badgerGCDiscard  = 0.5
)

// Tasks owns every background loop of the pipeline.
type Tasks struct {
	scheduler *sched.Scheduler
	runner    *collect.Runner
	engine    *alert.Engine
	hub       *alert.Hub
	store     store.Store
	cfg       *config.Config
	log       *zap.Logger
}

// NewTasks assembles the background work around the shared components.
func NewTasks(
	ctx context.Context,
	st store.Store,
	runner *collect.Runner,
	aggregator *rollup.Aggregator,
	retainer *retention.Manager,
	engine *alert.Engine,
	snapshotter *backup.Snapshotter,
	hub *alert.Hub,
	cfg *config.Config,
	log *zap.Logger,
) (*Tasks, error) {
	scheduler := sched.New(ctx, log)

	for _, tier := range metric.AggregateTiers {
		tier := tier
		err := scheduler.Add("rollup-"+string(tier), tier.CronSpec(),
			func(ctx context.Context, now time.Time) error {
				return aggregator.RollupTier(ctx, tier, now)
			})
		if err != nil {
			return nil, err
		}
	}

	if err := scheduler.Add("retention", retentionSpec,
		func(ctx context.Context, now time.Time) error {
			return retainer.EvictAll(ctx, now)
		}); err != nil {
		return nil, err
	}

	if err := scheduler.Add("backup", backupSpec,
		func(ctx context.Context, now time.Time) error {
			if _, err := snapshotter.Snapshot(ctx, now, backup.KindScheduled); err != nil {
				return err
			}
			_, err := snapshotter.Cleanup(now)
			return err
		}); err != nil {
		return nil, err
	}

	return &Tasks{
		scheduler: scheduler,
		runner:    runner,
		engine:    engine,
		hub:       hub,
		store:     st,
		cfg:       cfg,
		log:       log,
	}, nil
}

// Start launches every loop. All of them stop when ctx is cancelled.
func (t *Tasks) Start(ctx context.Context) {
	t.scheduler.Start()

	go t.hub.Run(ctx)
	go t.runner.Run(ctx)
	go t.evaluateAlerts(ctx)

	if bs, ok := t.store.(*badgerstore.Store); ok {
		go t.runBadgerGC(ctx, bs)
	}
}

// Stop halts the scheduler and waits for in-flight jobs.
func (t *Tasks) Stop() {
	t.scheduler.Stop()
}

// evaluateAlerts runs the threshold evaluation loop. An evaluation
// failure is logged and the tick skipped; alert state is untouched so
// no spurious resolves fire during a store outage.
func (t *Tasks) evaluateAlerts(ctx context.Context) {
	interval := t.cfg.Alerting.EvaluationInterval
	t.log.Info("alert evaluation started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("alert evaluation stopped")
			return
		case now := <-ticker.C:
			if err := t.engine.Evaluate(ctx, now); err != nil {
				t.log.Warn("alert evaluation failed", zap.Error(err))
			}
		}
	}
}

// runBadgerGC reclaims value-log space. Badger accumulates dead data in
// its LSM value log; without periodic GC disk growth is unbounded.
func (t *Tasks) runBadgerGC(ctx context.Context, bs *badgerstore.Store) {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := bs.RunGC(badgerGCDiscard); err != nil {
				// badger returns an error when nothing needed rewriting.
				t.log.Debug("badger gc: nothing to reclaim",
					zap.Duration("elapsed", time.Since(start)))
				continue
			}
			t.log.Info("badger gc reclaimed space",
				zap.Duration("elapsed", time.Since(start)))
		}
	}
}
