// Package hook defines the static model of instrumentation: hook
// descriptors, handler bindings, and the registry the dispatcher
// resolves handlers from.
//
// A hook module declares, per intercepted operation and parameter
// shape, a factory producing one handler instance per intercepted
// call. The instance's Before method runs ahead of the operation;
// if the instance also implements AfterHandler, its After method is
// guaranteed to run once the operation finishes, on every exit path.
// State the before-handler records on the instance (start time, a
// relevance flag) is still there when the after-handler runs.
package hook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/naddame/promagent/chain"
)

// ErrRegistration indicates a malformed or conflicting handler binding
// declared at module load time. It is fatal to loading the declaring
// module and leaves already-loaded modules untouched.
var ErrRegistration = errors.New("hook: invalid registration")

// Shape identifies the parameter shape of an intercepted operation,
// e.g. "(string)" or "(string,int)". Operations sharing a name but
// differing in shape are distinct bindings: a handler bound to the
// one-argument form never runs for the two-argument form.
type Shape string

// MakeShape builds a Shape from parameter type names.
// MakeShape("string", "int") == Shape("(string,int)").
func MakeShape(types ...string) Shape {
	return Shape("(" + strings.Join(types, ",") + ")")
}

// ShapeOf derives the Shape of a concrete argument list. The rewriting
// layer uses it once per instrumented call site, not per call.
func ShapeOf(args ...any) Shape {
	types := make([]string, len(args))
	for i, a := range args {
		types[i] = fmt.Sprintf("%T", a)
	}
	return MakeShape(types...)
}

func (s Shape) valid() bool {
	return strings.HasPrefix(string(s), "(") && strings.HasSuffix(string(s), ")")
}

// Op identifies one intercepted operation: a name plus the exact
// parameter shape of the call. Op is comparable and used as the
// registry key, so negative lookups are a single map access.
type Op struct {
	Name  string
	Shape Shape
}

func (o Op) String() string {
	return o.Name + string(o.Shape)
}

// Call carries one intercepted invocation through its before/after
// cycle: the operation identity and the actual arguments.
type Call struct {
	Op   Op
	Args []any
}

// Handler is one per-call handler instance. The dispatcher creates an
// instance through the binding's factory for every intercepted call
// and invokes Before with the call's actual arguments.
type Handler interface {
	Before(cc *chain.Context, call *Call) error
}

// AfterHandler is the opt-in interface for handlers that also want to
// run after the operation. After runs on the same instance Before ran
// on, exactly once, whether the operation succeeded or failed.
type AfterHandler interface {
	After(cc *chain.Context, call *Call) error
}

// Owner gates dispatch of a binding on the lifecycle of whoever
// registered it. Acquire is called before a handler instance is
// created and may refuse (e.g. the owning isolation domain is
// unloading); Release is called when the instance's cycle completes.
// A nil Owner never refuses. The registry identifies an owner's
// bindings by interface equality, so each owner must be a distinct
// comparable value.
type Owner interface {
	Acquire() bool
	Release()
}

// Binding is one (operation, shape) pair mapped to a handler factory.
type Binding struct {
	// Hook is the name of the descriptor that declared the binding.
	Hook string

	// Op is the operation identity the binding matches.
	Op Op

	// New creates the per-call handler instance.
	New func() Handler

	// HasAfter records whether instances implement AfterHandler.
	// Determined once at registration so the dispatcher does not
	// type-assert on the hot path.
	HasAfter bool

	// Owner is the registering isolation domain, or nil.
	Owner Owner
}

// Descriptor is the immutable declaration of one hook module's
// bindings. Build one with NewDescriptor.
type Descriptor struct {
	name     string
	bindings []Binding
}

// Name returns the hook module name.
func (d *Descriptor) Name() string { return d.name }

// Bindings returns the declared bindings in declaration order.
func (d *Descriptor) Bindings() []Binding { return d.bindings }

// Builder accumulates bindings for a Descriptor. Errors are collected
// and reported once by Build, so declarations chain fluently.
type Builder struct {
	name     string
	bindings []Binding
	errs     []error
}

// NewDescriptor starts building a hook descriptor with the given name.
func NewDescriptor(name string) *Builder {
	return &Builder{name: name}
}

// Bind declares that factory's instances handle every listed operation
// name at the given parameter shape.
func (b *Builder) Bind(shape Shape, factory func() Handler, ops ...string) *Builder {
	if factory == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: hook %q: nil handler factory for shape %s", ErrRegistration, b.name, shape))
		return b
	}
	if !shape.valid() {
		b.errs = append(b.errs, fmt.Errorf("%w: hook %q: malformed shape %q", ErrRegistration, b.name, shape))
		return b
	}
	if len(ops) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: hook %q: binding with no operations for shape %s", ErrRegistration, b.name, shape))
		return b
	}

	// Probe one instance to learn whether After is implemented.
	// The probe is discarded; real instances are created per call.
	_, hasAfter := factory().(AfterHandler)

	for _, op := range ops {
		if op == "" {
			b.errs = append(b.errs, fmt.Errorf("%w: hook %q: empty operation name", ErrRegistration, b.name))
			continue
		}
		b.bindings = append(b.bindings, Binding{
			Hook:     b.name,
			Op:       Op{Name: op, Shape: shape},
			New:      factory,
			HasAfter: hasAfter,
		})
	}

	return b
}

// Build validates the accumulated bindings and returns the immutable
// Descriptor. Duplicate (operation, shape) pairs within one descriptor
// are rejected: a module gets at most one handler per exact call form.
func (b *Builder) Build() (*Descriptor, error) {
	if b.name == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: descriptor with empty name", ErrRegistration))
	}
	if len(b.bindings) == 0 && len(b.errs) == 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: hook %q declares no bindings", ErrRegistration, b.name))
	}

	seen := make(map[Op]struct{}, len(b.bindings))
	for _, binding := range b.bindings {
		if _, dup := seen[binding.Op]; dup {
			b.errs = append(b.errs, fmt.Errorf("%w: hook %q: duplicate binding for %s", ErrRegistration, b.name, binding.Op))
			continue
		}
		seen[binding.Op] = struct{}{}
	}

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}

	return &Descriptor{name: b.name, bindings: b.bindings}, nil
}

// MustBuild is like Build but panics on error. Use for descriptors
// declared entirely from literals.
func (b *Builder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
