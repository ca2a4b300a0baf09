package hook

import (
	"sync"
	"sync/atomic"
)

// Registry maps operation identities to the ordered list of handler
// bindings declared for them.
//
// Lookups read an immutable snapshot through an atomic pointer, so the
// dispatch hot path takes no lock and a miss costs one map access with
// no allocation. Resolve runs on every candidate call in the host
// program, instrumented or not. Registration and
// unregistration copy the snapshot under a mutex; they happen at
// deployment lifecycle frequency, not per call.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[Op][]Binding]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[Op][]Binding)
	r.snapshot.Store(&empty)
	return r
}

// Register adds all of d's bindings on behalf of owner (which may be
// nil). Bindings from different descriptors for the same operation
// coexist; each keeps its own handler instances. Resolution order is
// registration order.
func (r *Registry) Register(d *Descriptor, owner Owner) error {
	if d == nil {
		return ErrRegistration
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copySnapshot()
	for _, b := range d.bindings {
		b.Owner = owner
		next[b.Op] = append(next[b.Op], b)
	}
	r.snapshot.Store(&next)

	return nil
}

// Unregister removes every binding registered under owner. Calls
// already dispatched keep their resolved bindings; subsequent calls no
// longer see them.
func (r *Registry) Unregister(owner Owner) {
	if owner == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copySnapshot()
	for op, bindings := range next {
		kept := bindings[:0:len(bindings)]
		for _, b := range bindings {
			if b.Owner != owner {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(next, op)
		} else {
			next[op] = kept
		}
	}
	r.snapshot.Store(&next)
}

// Resolve returns the ordered bindings matching op, or nil when the
// operation is not instrumented.
func (r *Registry) Resolve(op Op) []Binding {
	return (*r.snapshot.Load())[op]
}

// Ops returns the operation identities currently instrumented.
func (r *Registry) Ops() []Op {
	snap := *r.snapshot.Load()
	ops := make([]Op, 0, len(snap))
	for op := range snap {
		ops = append(ops, op)
	}
	return ops
}

func (r *Registry) copySnapshot() map[Op][]Binding {
	cur := *r.snapshot.Load()
	next := make(map[Op][]Binding, len(cur)+1)
	for op, bindings := range cur {
		next[op] = append([]Binding(nil), bindings...)
	}
	return next
}
