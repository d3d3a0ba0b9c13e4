package alert

import "context"

// Notifier delivers one alert event to one destination. Implementations
// must be safe for concurrent use; the engine may dispatch overlapping
// events during slow deliveries.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}
