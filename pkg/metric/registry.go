package metric

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the set of registered metrics. Registration happens at
// startup from configuration; metrics are immutable afterwards.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric. Re-registering an existing name with a different
// definition is a configuration error.
func (r *Registry) Register(m Metric) error {
	if m.Name == "" {
		return fmt.Errorf("metric name cannot be empty")
	}
	if !m.Class.Valid() {
		return fmt.Errorf("metric %q: unknown class %q", m.Name, m.Class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.metrics[m.Name]; ok {
		if existing != m {
			return fmt.Errorf("metric %q already registered with a different definition", m.Name)
		}
		return nil
	}
	r.metrics[m.Name] = m
	return nil
}

// Get returns the metric for name, if registered.
func (r *Registry) Get(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	return m, ok
}

// ByClass returns all metrics of the given class, sorted by name.
func (r *Registry) ByClass(c Class) []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Metric
	for _, m := range r.metrics {
		if m.Class == c {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered metric, sorted by name.
func (r *Registry) All() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
