// Package sched runs the pipeline's periodic jobs on cron schedules.
// Window-aligned work (rollups, backups) uses cron expressions instead
// of tickers so a job fires just after its window closes regardless of
// process start time.
package sched

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of scheduled work. Errors are logged, never fatal;
// the next firing retries naturally.
type Job func(ctx context.Context, now time.Time) error

// Scheduler wraps the cron runner with logging and panic isolation.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	ctx  context.Context
}

// New builds a scheduler. All schedules are interpreted in UTC to match
// window alignment.
func New(ctx context.Context, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  log,
		ctx:  ctx,
	}
}

// Add registers a job under a cron spec. A panicking job is recovered
// and logged so one bad run cannot take down the scheduler.
func (s *Scheduler) Add(name, spec string, job Job) error {
	log := s.log.With(zap.String("job", name), zap.String("spec", spec))

	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", zap.Any("panic", r))
			}
		}()

		start := time.Now()
		if err := job(s.ctx, start); err != nil {
			log.Warn("job failed", zap.Error(err))
			return
		}
		log.Debug("job complete", zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return err
	}
	log.Info("job scheduled")
	return nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
