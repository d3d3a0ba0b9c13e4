package metric

import "time"

// Tier is one of the fixed time resolutions metric data is stored at.
// TierRaw holds samples; the others hold aggregates.
type Tier string

const (
	TierRaw     Tier = "raw"
	Tier5Min    Tier = "5min"
	TierHourly  Tier = "1hour"
	TierDaily   Tier = "1day"
	TierMonthly Tier = "1month"
)

// AggregateTiers lists the rollup tiers from finest to coarsest.
var AggregateTiers = []Tier{Tier5Min, TierHourly, TierDaily, TierMonthly}

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case TierRaw, Tier5Min, TierHourly, TierDaily, TierMonthly:
		return true
	}
	return false
}

// Finer returns the tier a rollup of t reads from. The 5-minute tier is
// built from raw samples; every coarser tier is built from the tier
// immediately below it to bound read volume.
func (t Tier) Finer() Tier {
	switch t {
	case Tier5Min:
		return TierRaw
	case TierHourly:
		return Tier5Min
	case TierDaily:
		return TierHourly
	case TierMonthly:
		return TierDaily
	}
	return TierRaw
}

// WindowStart truncates ts to the start of the window containing it.
// Monthly windows align to the first of the month, so window length is not
// constant for that tier.
func (t Tier) WindowStart(ts time.Time) time.Time {
	ts = ts.UTC()
	switch t {
	case Tier5Min:
		return ts.Truncate(5 * time.Minute)
	case TierHourly:
		return ts.Truncate(time.Hour)
	case TierDaily:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case TierMonthly:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts
}

// WindowEnd returns the exclusive end of the window starting at start.
func (t Tier) WindowEnd(start time.Time) time.Time {
	switch t {
	case Tier5Min:
		return start.Add(5 * time.Minute)
	case TierHourly:
		return start.Add(time.Hour)
	case TierDaily:
		return start.AddDate(0, 0, 1)
	case TierMonthly:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// PreviousWindow returns the start of the most recent window that has
// fully closed at time now, honoring the clock-skew grace period: a window
// only counts as closed once now >= end+grace.
func (t Tier) PreviousWindow(now time.Time, grace time.Duration) time.Time {
	start := t.WindowStart(now.Add(-grace))
	return t.WindowStart(start.Add(-time.Nanosecond))
}

// CronSpec returns the schedule expression that fires just after each
// window of this tier closes.
func (t Tier) CronSpec() string {
	switch t {
	case Tier5Min:
		return "*/5 * * * *"
	case TierHourly:
		return "0 * * * *"
	case TierDaily:
		return "0 0 * * *"
	case TierMonthly:
		return "0 0 1 * *"
	}
	return "@hourly"
}
