// Package alert evaluates thresholds against recent metric data and
// drives notifications through the configured channels. State lives in
// memory, keyed by (metric, level): one threshold crossing produces one
// open alert no matter how many evaluation ticks observe it, and one
// resolved event when the value recovers.
package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/terminusa/monitor/pkg/metric"
)

// EventType distinguishes the two notifications an alert can emit.
type EventType string

const (
	EventFiring   EventType = "firing"
	EventResolved EventType = "resolved"
)

// Alert is one threshold crossing, from open to resolve.
type Alert struct {
	ID        string          `json:"id"`
	Metric    string          `json:"metric"`
	Level     metric.Level    `json:"level"`
	Operator  metric.Operator `json:"operator"`
	Threshold float64         `json:"threshold"`

	// Observed is the most recent value that satisfied the threshold.
	Observed float64 `json:"observed"`

	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Active     bool       `json:"active"`

	// LastNotified tracks per-channel throttle state. Resolved
	// notifications ignore it.
	LastNotified map[string]time.Time `json:"last_notified,omitempty"`
}

func newAlert(t metric.Threshold, observed float64, now time.Time) *Alert {
	return &Alert{
		ID:           uuid.NewString(),
		Metric:       t.Metric,
		Level:        t.Level,
		Operator:     t.Operator,
		Threshold:    t.Value,
		Observed:     observed,
		OpenedAt:     now,
		Active:       true,
		LastNotified: make(map[string]time.Time),
	}
}

// clone returns a copy whose LastNotified map is detached from the
// original. Every Alert handed out of the engine goes through here, so
// markNotified never writes a map a reader still holds.
func (a Alert) clone() Alert {
	if a.LastNotified != nil {
		notified := make(map[string]time.Time, len(a.LastNotified))
		for ch, at := range a.LastNotified {
			notified[ch] = at
		}
		a.LastNotified = notified
	}
	return a
}

// Event is what notifiers receive: the alert plus which transition
// triggered the send.
type Event struct {
	Type  EventType `json:"type"`
	Alert Alert     `json:"alert"`
	At    time.Time `json:"at"`
}
