package domain

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/id"
	"github.com/naddame/promagent/metrics"
)

// Loader loads deployment units into isolation domains and registers
// their hook bindings with the dispatch registry.
type Loader struct {
	registry *hook.Registry
	global   *Namespace
	shared   *metrics.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	domains map[string]*Domain
}

// NewLoader creates a Loader. The shared metrics registry is published
// in the global namespace under MetricsSymbol so every loaded domain
// resolves the same instance.
func NewLoader(registry *hook.Registry, shared *metrics.Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	global := NewNamespace()
	// The namespace is empty here, Register cannot fail.
	_ = global.Register(MetricsSymbol, shared)

	return &Loader{
		registry: registry,
		global:   global,
		shared:   shared,
		logger:   logger,
		domains:  make(map[string]*Domain),
	}
}

// Global returns the process-wide shared namespace.
func (l *Loader) Global() *Namespace { return l.global }

// Load creates an isolation domain for the named deployment unit,
// initializes the given modules, and registers their hook bindings.
// A failing module aborts the load: bindings registered so far for
// this unit are rolled back and already-loaded units stay untouched.
func (l *Loader) Load(unit string, modules ...Module) (*Domain, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.domains[unit]; exists {
		return nil, fmt.Errorf("%w: %q", ErrUnitExists, unit)
	}

	dom := &Domain{
		id:      id.NewUnitID(),
		name:    unit,
		global:  l.global,
		local:   NewNamespace(),
		modules: modules,
	}

	bindings := 0
	for _, m := range modules {
		if init, ok := m.(Initializer); ok {
			if err := init.Init(dom, l.shared); err != nil {
				l.registry.Unregister(dom)
				return nil, fmt.Errorf("domain: init module %q in unit %q: %w", m.Name(), unit, err)
			}
		}

		descriptors, err := m.Hooks()
		if err != nil {
			l.registry.Unregister(dom)
			return nil, fmt.Errorf("domain: load module %q in unit %q: %w", m.Name(), unit, err)
		}
		for _, d := range descriptors {
			if err := l.registry.Register(d, dom); err != nil {
				l.registry.Unregister(dom)
				return nil, fmt.Errorf("domain: register hook %q of module %q in unit %q: %w", d.Name(), m.Name(), unit, err)
			}
			bindings += len(d.Bindings())
		}
	}

	l.domains[unit] = dom

	l.logger.Info("deployment unit loaded",
		slog.String("unit", unit),
		slog.String("unit_id", dom.id.String()),
		slog.Int("modules", len(modules)),
		slog.Int("bindings", bindings),
	)

	return dom, nil
}

// Unload tears down the named deployment unit. New calls stop being
// dispatched through the unit's handlers immediately; Unload then
// blocks until handler cycles already in flight have completed.
func (l *Loader) Unload(unit string) error {
	l.mu.Lock()
	dom, ok := l.domains[unit]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	delete(l.domains, unit)

	dom.close()
	l.registry.Unregister(dom)
	l.mu.Unlock()

	// Wait outside the lock so a slow in-flight call does not block
	// loading or unloading of other units.
	dom.inFlight.Wait()

	l.logger.Info("deployment unit unloaded",
		slog.String("unit", unit),
		slog.String("unit_id", dom.id.String()),
	)

	return nil
}

// Domain returns the loaded domain for unit, if any.
func (l *Loader) Domain(unit string) (*Domain, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dom, ok := l.domains[unit]
	return dom, ok
}

// Units returns the names of the currently loaded deployment units.
func (l *Loader) Units() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	units := make([]string, 0, len(l.domains))
	for unit := range l.domains {
		units = append(units, unit)
	}
	return units
}
