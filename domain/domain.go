// Package domain implements isolation domains for hook modules.
//
// Each deployment unit loads its hook modules into its own domain.
// Symbol resolution inside a domain consults the single global
// namespace first and falls back to the domain's local namespace only
// on a miss. The global namespace holds the shared metrics registry,
// so every domain, and therefore every hook module in the process,
// observes the same registry instance and counters accumulate across
// deployments. Deployment-private symbols live in the local namespace,
// where same-named symbols of different domains never collide.
//
// Load and unload happen at deployment lifecycle frequency and take a
// coarse lock; steady-state dispatch never touches it. Unloading stops
// new dispatches through the domain's bindings immediately while
// letting in-flight handler cycles complete.
package domain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/id"
	"github.com/naddame/promagent/metrics"
)

var (
	// ErrUnitExists is returned when a deployment unit name is loaded twice.
	ErrUnitExists = errors.New("domain: deployment unit already loaded")

	// ErrUnknownUnit is returned when unloading a unit that is not loaded.
	ErrUnknownUnit = errors.New("domain: unknown deployment unit")

	// ErrSymbolExists is returned when a namespace symbol is defined twice.
	ErrSymbolExists = errors.New("domain: symbol already defined")
)

// MetricsSymbol is the global namespace symbol under which the loader
// publishes the shared metrics registry.
const MetricsSymbol = "promagent/metrics"

// Namespace is a symbol table mapping names to arbitrary values.
type Namespace struct {
	mu      sync.RWMutex
	symbols map[string]any
}

// NewNamespace creates an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{symbols: make(map[string]any)}
}

// Register defines name to v. Defining an existing name fails.
func (n *Namespace) Register(name string, v any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.symbols[name]; exists {
		return fmt.Errorf("%w: %q", ErrSymbolExists, name)
	}
	n.symbols[name] = v

	return nil
}

// Lookup returns the value defined under name, if any.
func (n *Namespace) Lookup(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	v, ok := n.symbols[name]
	return v, ok
}

// Module is one independently loadable unit of instrumentation code.
type Module interface {
	// Name returns a unique human-readable name for the module.
	Name() string

	// Hooks returns the module's hook descriptors.
	Hooks() ([]*hook.Descriptor, error)
}

// Initializer is the opt-in interface for modules that register
// instruments or symbols at load time. Init runs once per load, before
// any of the module's handlers can be dispatched, and receives the
// owning domain plus the shared metrics registry resolved from the
// global namespace.
type Initializer interface {
	Init(dom *Domain, reg *metrics.Registry) error
}

// Domain is the isolation scope of one deployment unit. It owns the
// hook descriptors loaded for the unit and implements hook.Owner so
// the dispatcher can gate handler dispatch on the domain lifecycle.
type Domain struct {
	id      id.UnitID
	name    string
	global  *Namespace
	local   *Namespace
	modules []Module

	// mu orders Acquire against close: the in-flight count never grows
	// from zero once closed is set, which WaitGroup.Wait relies on.
	mu       sync.RWMutex
	closed   bool
	inFlight sync.WaitGroup
}

// ID returns the domain's unique identifier.
func (d *Domain) ID() id.UnitID { return d.id }

// Name returns the deployment unit name the domain was loaded for.
func (d *Domain) Name() string { return d.name }

// Modules returns the modules loaded into this domain.
func (d *Domain) Modules() []Module { return d.modules }

// Resolve looks name up in the global namespace first and falls back
// to the domain's local namespace. The global-first ordering is what
// guarantees all domains agree on shared-library symbols such as the
// metrics registry.
func (d *Domain) Resolve(name string) (any, bool) {
	if v, ok := d.global.Lookup(name); ok {
		return v, ok
	}
	return d.local.Lookup(name)
}

// Define registers a deployment-private symbol in the domain's local
// namespace. Same-named symbols in other domains do not collide.
func (d *Domain) Define(name string, v any) error {
	return d.local.Register(name, v)
}

// Acquire implements hook.Owner. It refuses once unloading has begun.
func (d *Domain) Acquire() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	d.inFlight.Add(1)
	return true
}

// Release implements hook.Owner.
func (d *Domain) Release() {
	d.inFlight.Done()
}

// close stops new acquires. Once close returns, the in-flight count
// can only shrink and inFlight.Wait is safe to call.
func (d *Domain) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
