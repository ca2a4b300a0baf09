// Package metrics provides the process-wide metrics registry shared by
// all hook modules.
//
// The registry is the one library every isolation domain resolves from
// the global namespace, so counters and summaries accumulate across
// deployments. Hooks register instruments by name at module init time
// and update them by name from their after-handlers; lookups that name
// an unknown instrument or pass the wrong number of labels fail with a
// distinct error instead of silently recording nothing.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ErrNotFound is returned when an update names an instrument that
	// was never registered.
	ErrNotFound = errors.New("metrics: instrument not found")

	// ErrLabels is returned when an update supplies a label count that
	// does not match the instrument's declaration.
	ErrLabels = errors.New("metrics: label mismatch")

	// ErrDuplicate is returned when an instrument name is registered twice.
	ErrDuplicate = errors.New("metrics: duplicate instrument")
)

// DefaultObjectives are the summary quantiles used when a hook passes
// nil objectives: median, 90th and 99th percentile with tolerated errors
// of 5%, 1% and 0.1%.
var DefaultObjectives = map[float64]float64{
	0.5:  0.05,
	0.9:  0.01,
	0.99: 0.001,
}

// Registry is the shared metrics registry. Updates are safe under
// concurrent use from many chains; prometheus instruments provide the
// atomic increment/observe primitives.
type Registry struct {
	prom *prometheus.Registry

	mu        sync.RWMutex
	counters  map[string]*prometheus.CounterVec
	summaries map[string]*prometheus.SummaryVec
}

// NewRegistry creates an empty shared registry.
func NewRegistry() *Registry {
	return &Registry{
		prom:      prometheus.NewRegistry(),
		counters:  make(map[string]*prometheus.CounterVec),
		summaries: make(map[string]*prometheus.SummaryVec),
	}
}

// Counter registers a counter instrument with the given label names.
func (r *Registry) Counter(name, help string, labels ...string) error {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.counters[name]; exists {
		return fmt.Errorf("%w: counter %q", ErrDuplicate, name)
	}
	if err := r.prom.Register(vec); err != nil {
		return fmt.Errorf("metrics: register counter %q: %w", name, err)
	}
	r.counters[name] = vec

	return nil
}

// Summary registers a summary instrument with the given quantile
// objectives (nil for DefaultObjectives) and label names.
func (r *Registry) Summary(name, help string, objectives map[float64]float64, labels ...string) error {
	if objectives == nil {
		objectives = DefaultObjectives
	}
	vec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       name,
		Help:       help,
		Objectives: objectives,
	}, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.summaries[name]; exists {
		return fmt.Errorf("%w: summary %q", ErrDuplicate, name)
	}
	if err := r.prom.Register(vec); err != nil {
		return fmt.Errorf("metrics: register summary %q: %w", name, err)
	}
	r.summaries[name] = vec

	return nil
}

// Inc increments the named counter for the given label values.
func (r *Registry) Inc(name string, labels ...string) error {
	r.mu.RLock()
	vec, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: counter %q", ErrNotFound, name)
	}

	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return fmt.Errorf("%w: counter %q labels %v: %v", ErrLabels, name, labels, err)
	}
	c.Inc()

	return nil
}

// Observe records value on the named summary for the given label values.
func (r *Registry) Observe(value float64, name string, labels ...string) error {
	r.mu.RLock()
	vec, ok := r.summaries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: summary %q", ErrNotFound, name)
	}

	s, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return fmt.Errorf("%w: summary %q labels %v: %v", ErrLabels, name, labels, err)
	}
	s.Observe(value)

	return nil
}

// Handler returns an http.Handler exposing the registry in the
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Prometheus returns the underlying prometheus registry, for direct
// registration of native collectors and for test assertions.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}
