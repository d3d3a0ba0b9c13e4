package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/terminusa/monitor/pkg/config"
	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/selfmon"
	"github.com/terminusa/monitor/pkg/store"
)

// lookback bounds how far back the engine searches for the latest
// sample of a metric. Twice the slowest collection interval, so a
// healthy collector always has data in range.
const lookback = 10 * time.Minute

// historyCap bounds the resolved-alert ring kept for the API.
const historyCap = 100

// DispatchError wraps a single channel failure. Dispatch is isolated:
// one channel failing never blocks the others.
type DispatchError struct {
	Channel string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Route pairs a notifier with its channel policy (level filter and
// throttle intervals).
type Route struct {
	Channel  config.Channel
	Notifier Notifier
}

type alertKey struct {
	Metric string
	Level  metric.Level
}

// Engine evaluates thresholds and manages alert lifecycles.
type Engine struct {
	store      store.Store
	thresholds []metric.Threshold
	routes     []Route
	tracker    *selfmon.Tracker
	log        *zap.Logger

	dispatchTimeout time.Duration
	notifyResolved  bool

	mu      sync.Mutex
	active  map[alertKey]*Alert
	history []Alert
}

// NewEngine builds an engine over the given store and threshold set.
func NewEngine(st store.Store, thresholds []metric.Threshold, routes []Route, tracker *selfmon.Tracker, log *zap.Logger, cfg config.Alerting) *Engine {
	return &Engine{
		store:           st,
		thresholds:      thresholds,
		routes:          routes,
		tracker:         tracker,
		log:             log,
		dispatchTimeout: cfg.DispatchTimeout,
		notifyResolved:  cfg.NotifyResolved,
		active:          make(map[alertKey]*Alert),
	}
}

// Evaluate runs one pass over every threshold at time now. Metrics with
// no recent data are skipped; an existing alert for such a metric stays
// open until data returns and shows recovery.
func (e *Engine) Evaluate(ctx context.Context, now time.Time) error {
	values, err := e.latestValues(ctx, now)
	if err != nil {
		return err
	}

	var events []Event

	e.mu.Lock()
	for _, t := range e.thresholds {
		v, ok := values[t.Metric]
		if !ok {
			continue
		}
		key := alertKey{Metric: t.Metric, Level: t.Level}
		current := e.active[key]

		switch {
		case t.Crossed(v) && current == nil:
			a := newAlert(t, v, now)
			e.active[key] = a
			events = append(events, Event{Type: EventFiring, Alert: a.clone(), At: now})
			e.log.Warn("alert opened",
				zap.String("metric", t.Metric),
				zap.String("level", string(t.Level)),
				zap.Float64("observed", v),
				zap.Float64("threshold", t.Value))

		case t.Crossed(v):
			current.Observed = v
			events = append(events, Event{Type: EventFiring, Alert: current.clone(), At: now})

		case current != nil:
			resolvedAt := now
			current.Active = false
			current.ResolvedAt = &resolvedAt
			delete(e.active, key)
			e.pushHistory(current.clone())
			events = append(events, Event{Type: EventResolved, Alert: current.clone(), At: now})
			e.log.Info("alert resolved",
				zap.String("metric", t.Metric),
				zap.String("level", string(t.Level)),
				zap.Float64("observed", v))
		}
	}
	open := len(e.active)
	e.mu.Unlock()

	e.tracker.SetOpenAlerts(open)
	for _, ev := range events {
		e.dispatch(ctx, ev)
	}
	return nil
}

// latestValues reads the current value per distinct metric named by a
// threshold: the average of the most recent 5min aggregate, or the most
// recent raw sample while the first window is still open.
func (e *Engine) latestValues(ctx context.Context, now time.Time) (map[string]float64, error) {
	values := make(map[string]float64)
	for _, t := range e.thresholds {
		if _, done := values[t.Metric]; done {
			continue
		}

		aggs, err := e.store.QueryAggregates(ctx, store.Range{
			Metric: t.Metric,
			Tier:   metric.Tier5Min,
			From:   now.Add(-lookback),
			To:     now.Add(time.Nanosecond),
		})
		if err != nil {
			return nil, err
		}
		if len(aggs) > 0 {
			values[t.Metric] = aggs[len(aggs)-1].Avg()
			continue
		}

		samples, err := e.store.QuerySamples(ctx, store.Range{
			Metric: t.Metric,
			Tier:   metric.TierRaw,
			From:   now.Add(-lookback),
			To:     now.Add(time.Nanosecond),
		})
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			continue
		}
		values[t.Metric] = samples[len(samples)-1].Value
	}
	return values, nil
}

// dispatch fans one event out to every eligible route. Firing events
// honor the channel throttle; resolved events always go through.
func (e *Engine) dispatch(ctx context.Context, ev Event) {
	if ev.Type == EventResolved && !e.notifyResolved {
		return
	}
	for _, route := range e.routes {
		ch := route.Channel
		if !ch.Enabled {
			continue
		}
		if ch.MinLevel == metric.LevelCritical && ev.Alert.Level != metric.LevelCritical {
			continue
		}

		if ev.Type == EventFiring && !e.shouldNotify(ev, ch) {
			continue
		}

		nctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
		err := route.Notifier.Notify(nctx, ev)
		cancel()
		if err != nil {
			derr := &DispatchError{Channel: ch.Name, Err: err}
			e.log.Warn("notification failed",
				zap.String("channel", ch.Name),
				zap.String("metric", ev.Alert.Metric),
				zap.Error(derr))
			continue
		}
		if ev.Type == EventFiring {
			e.markNotified(ev, ch.Name)
		}
	}
}

// shouldNotify applies the per-channel, per-level throttle. The first
// notification of an alert always goes out.
func (e *Engine) shouldNotify(ev Event, ch config.Channel) bool {
	throttle := ch.Throttle(ev.Alert.Level)
	if throttle <= 0 {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.active[alertKey{Metric: ev.Alert.Metric, Level: ev.Alert.Level}]
	if a == nil {
		return true
	}
	last, notified := a.LastNotified[ch.Name]
	return !notified || ev.At.Sub(last) >= throttle
}

func (e *Engine) markNotified(ev Event, channel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a := e.active[alertKey{Metric: ev.Alert.Metric, Level: ev.Alert.Level}]; a != nil {
		a.LastNotified[channel] = ev.At
	}
}

// pushHistory appends a resolved alert, evicting the oldest past the
// cap. Caller holds e.mu.
func (e *Engine) pushHistory(a Alert) {
	e.history = append(e.history, a)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

// Active returns the open alerts sorted by metric then level.
func (e *Engine) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Level < out[j].Level
	})
	return out
}

// History returns recently resolved alerts, oldest first.
func (e *Engine) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Alert(nil), e.history...)
}

// ExportState captures every alert for a snapshot.
func (e *Engine) ExportState() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.active)+len(e.history))
	for _, a := range e.active {
		out = append(out, a.clone())
	}
	out = append(out, e.history...)
	return out
}

// ImportState replaces the engine's alert state from a snapshot.
func (e *Engine) ImportState(alerts []Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.active = make(map[alertKey]*Alert)
	e.history = nil
	for _, a := range alerts {
		a := a.clone()
		if a.LastNotified == nil {
			a.LastNotified = make(map[string]time.Time)
		}
		if a.Active {
			e.active[alertKey{Metric: a.Metric, Level: a.Level}] = &a
		} else {
			e.pushHistory(a)
		}
	}
	e.tracker.SetOpenAlerts(len(e.active))
}
