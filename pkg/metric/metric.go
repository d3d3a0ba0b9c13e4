package metric

import (
	"fmt"
	"time"
)

// Class groups metrics by where they are collected from. Each class runs
// on its own collection interval.
type Class string

const (
	ClassSystem      Class = "system"
	ClassApplication Class = "application"
	ClassDatabase    Class = "database"
)

// Valid reports whether c is one of the recognized classes.
func (c Class) Valid() bool {
	switch c {
	case ClassSystem, ClassApplication, ClassDatabase:
		return true
	}
	return false
}

// Metric describes a registered measurement source. Identity is the name;
// a metric is immutable once registered.
type Metric struct {
	Name  string `json:"name"`
	Class Class  `json:"class"`
	Unit  string `json:"unit"`
}

// Sample is a single raw measurement. Samples are append-only; they are
// never mutated and only removed by retention eviction.
type Sample struct {
	Metric    string            `json:"metric"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Aggregate is a rolled-up summary of one metric over one window.
// Sum and Count are stored instead of the average so coarser tiers can be
// built from finer ones without drift.
type Aggregate struct {
	Metric      string    `json:"metric"`
	Window      Tier      `json:"window"`
	WindowStart time.Time `json:"window_start"`
	Sum         float64   `json:"sum"`
	Count       uint64    `json:"count"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
}

// Avg returns the mean value of the window, or 0 for an empty aggregate.
func (a Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Key identifies the upsert slot for an aggregate: at most one aggregate
// exists per (metric, window, window_start).
func (a Aggregate) Key() string {
	return fmt.Sprintf("%s@%s@%d", a.Metric, a.Window, a.WindowStart.UnixNano())
}

// Level is the severity of a threshold or alert.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a recognized level.
func (l Level) Valid() bool {
	return l == LevelWarning || l == LevelCritical
}

// Operator compares the observed value against the threshold value.
type Operator string

const (
	OpGreaterThan  Operator = "gt"
	OpLessThan     Operator = "lt"
	OpGreaterEqual Operator = "gte"
	OpLessEqual    Operator = "lte"
)

// Valid reports whether op is a recognized operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// Threshold is a configured alerting rule for one metric and level.
type Threshold struct {
	Metric   string   `json:"metric"`
	Level    Level    `json:"level"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

// Crossed reports whether an observed value satisfies the threshold.
func (t Threshold) Crossed(v float64) bool {
	switch t.Operator {
	case OpGreaterThan:
		return v > t.Value
	case OpLessThan:
		return v < t.Value
	case OpGreaterEqual:
		return v >= t.Value
	case OpLessEqual:
		return v <= t.Value
	}
	return false
}
