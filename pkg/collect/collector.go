// Package collect samples metric sources on fixed per-class intervals and
// writes the results into the sample store.
package collect

import (
	"context"
	"fmt"

	"github.com/terminusa/monitor/pkg/metric"
)

// Collector is the contract any metric source must satisfy. A collector
// samples every metric it owns in one pass; the runner schedules it on
// its class interval.
type Collector interface {
	// Class reports which collection interval applies.
	Class() metric.Class

	// Collect samples the source. A failure affects only this collector;
	// other collectors keep running.
	Collect(ctx context.Context) ([]metric.Sample, error)
}

// CollectionError wraps a failed collector run (source unreachable,
// timeout). It is logged and skipped, never propagated.
type CollectionError struct {
	Source string
	Err    error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collection from %s failed: %v", e.Source, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}
