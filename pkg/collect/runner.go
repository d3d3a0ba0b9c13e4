package collect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store"
)

// retryBase is the first backoff delay after a failed store write.
// Doubles per attempt, capped so retries fit inside a collection interval.
const (
	retryBase = 250 * time.Millisecond
	retryCap  = 5 * time.Second
)

// Runner drives every registered collector on its class interval. One
// goroutine per class keeps a slow database probe from delaying the
// 30-second application loop.
type Runner struct {
	store   store.Store
	cfg     config.Collection
	tracker *selfmon.Tracker
	log     *zap.Logger

	collectors map[metric.Class][]Collector
}

// NewRunner groups collectors by class.
func NewRunner(st store.Store, cfg config.Collection, tracker *selfmon.Tracker, log *zap.Logger, collectors ...Collector) *Runner {
	byClass := make(map[metric.Class][]Collector)
	for _, c := range collectors {
		byClass[c.Class()] = append(byClass[c.Class()], c)
	}
	return &Runner{
		store:      st,
		cfg:        cfg,
		tracker:    tracker,
		log:        log,
		collectors: byClass,
	}
}

// Run starts one loop per metric class and blocks until ctx is
// cancelled. Every loop collects once immediately so the store has data
// before the first full interval elapses.
func (r *Runner) Run(ctx context.Context) {
	done := make(chan struct{})
	loops := 0

	for class, collectors := range r.collectors {
		loops++
		go func(class metric.Class, collectors []Collector) {
			defer func() { done <- struct{}{} }()
			r.loop(ctx, class, collectors)
		}(class, collectors)
	}

	for i := 0; i < loops; i++ {
		<-done
	}
}

func (r *Runner) loop(ctx context.Context, class metric.Class, collectors []Collector) {
	interval := r.cfg.Interval(class)
	log := r.log.With(zap.String("class", string(class)), zap.Duration("interval", interval))
	log.Info("collection loop started", zap.Int("collectors", len(collectors)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.collectClass(ctx, class, collectors, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("collection loop stopped")
			return
		case <-ticker.C:
			r.collectClass(ctx, class, collectors, log)
		}
	}
}

// collectClass runs every collector of the class once. A failing
// collector is logged and skipped; the others still produce samples.
func (r *Runner) collectClass(ctx context.Context, class metric.Class, collectors []Collector, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var batch []metric.Sample
	for _, c := range collectors {
		samples, err := c.Collect(cctx)
		if err != nil {
			r.tracker.RecordCollectionError(class)
			log.Warn("collector failed", zap.Error(err))
			continue
		}
		batch = append(batch, samples...)
	}
	if len(batch) == 0 {
		return
	}

	if err := r.writeWithRetry(cctx, batch); err != nil {
		r.tracker.RecordDroppedSamples(len(batch))
		log.Error("samples dropped after retries",
			zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	r.tracker.RecordStoreOK()
	log.Debug("samples written", zap.Int("count", len(batch)))
}

// writeWithRetry retries transient store failures with bounded
// exponential backoff before giving up on the batch.
func (r *Runner) writeWithRetry(ctx context.Context, samples []metric.Sample) error {
	var err error
	delay := retryBase

	for attempt := 0; attempt <= r.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > retryCap {
				delay = retryCap
			}
		}

		if err = r.store.WriteSamples(ctx, samples); err == nil {
			return nil
		}
		r.tracker.RecordStoreError()
	}
	return err
}
