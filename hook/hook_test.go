package hook_test

import (
	"errors"
	"testing"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/hook"
)

type beforeOnly struct{}

func (beforeOnly) Before(_ *chain.Context, _ *hook.Call) error { return nil }

type beforeAfter struct{}

func (beforeAfter) Before(_ *chain.Context, _ *hook.Call) error { return nil }
func (beforeAfter) After(_ *chain.Context, _ *hook.Call) error  { return nil }

func newBeforeOnly() hook.Handler  { return beforeOnly{} }
func newBeforeAfter() hook.Handler { return beforeAfter{} }

func TestMakeShape(t *testing.T) {
	tests := []struct {
		types []string
		want  hook.Shape
	}{
		{nil, "()"},
		{[]string{"string"}, "(string)"},
		{[]string{"string", "int"}, "(string,int)"},
	}
	for _, tt := range tests {
		if got := hook.MakeShape(tt.types...); got != tt.want {
			t.Errorf("MakeShape(%v) = %q, want %q", tt.types, got, tt.want)
		}
	}
}

func TestShapeOf(t *testing.T) {
	got := hook.ShapeOf("select 1", 2)
	if got != hook.Shape("(string,int)") {
		t.Errorf("ShapeOf = %q, want %q", got, "(string,int)")
	}
}

func TestBuild(t *testing.T) {
	d, err := hook.NewDescriptor("sql").
		Bind(hook.MakeShape("string"), newBeforeAfter, "exec", "query").
		Bind(hook.MakeShape("string", "int"), newBeforeOnly, "exec").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bindings := d.Bindings()
	if len(bindings) != 3 {
		t.Fatalf("expected 3 bindings, got %d", len(bindings))
	}
	if !bindings[0].HasAfter {
		t.Error("expected first binding to have an after-handler")
	}
	if bindings[2].HasAfter {
		t.Error("expected before-only binding to have no after-handler")
	}
	for _, b := range bindings {
		if b.Hook != "sql" {
			t.Errorf("binding hook = %q, want %q", b.Hook, "sql")
		}
	}
}

func TestBuildRejectsDuplicateBinding(t *testing.T) {
	_, err := hook.NewDescriptor("dup").
		Bind(hook.MakeShape("string"), newBeforeOnly, "exec").
		Bind(hook.MakeShape("string"), newBeforeOnly, "exec").
		Build()
	if !errors.Is(err, hook.ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
}

func TestBuildRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*hook.Descriptor, error)
	}{
		{"nil factory", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("h").Bind(hook.MakeShape("string"), nil, "exec").Build()
		}},
		{"no ops", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("h").Bind(hook.MakeShape("string"), newBeforeOnly).Build()
		}},
		{"empty op name", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("h").Bind(hook.MakeShape("string"), newBeforeOnly, "").Build()
		}},
		{"malformed shape", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("h").Bind(hook.Shape("string"), newBeforeOnly, "exec").Build()
		}},
		{"empty descriptor name", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("").Bind(hook.MakeShape("string"), newBeforeOnly, "exec").Build()
		}},
		{"no bindings", func() (*hook.Descriptor, error) {
			return hook.NewDescriptor("h").Build()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			if !errors.Is(err, hook.ErrRegistration) {
				t.Fatalf("expected ErrRegistration, got %v", err)
			}
		})
	}
}

func TestRegistryResolve(t *testing.T) {
	r := hook.NewRegistry()

	d := hook.NewDescriptor("sql").
		Bind(hook.MakeShape("string"), newBeforeAfter, "exec").
		MustBuild()
	if err := r.Register(d, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Resolve(hook.Op{Name: "exec", Shape: hook.MakeShape("string")})
	if len(got) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(got))
	}
	if got[0].Hook != "sql" {
		t.Errorf("binding hook = %q, want %q", got[0].Hook, "sql")
	}
}

func TestRegistryResolveMiss(t *testing.T) {
	r := hook.NewRegistry()
	if got := r.Resolve(hook.Op{Name: "nope", Shape: "(string)"}); got != nil {
		t.Fatalf("expected nil for uninstrumented op, got %v", got)
	}
}

func TestRegistryOverloadsAreDistinct(t *testing.T) {
	r := hook.NewRegistry()

	d := hook.NewDescriptor("sql").
		Bind(hook.MakeShape("string"), newBeforeOnly, "exec").
		MustBuild()
	if err := r.Register(d, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A handler bound to (string) must not match a (string,int) call.
	got := r.Resolve(hook.Op{Name: "exec", Shape: hook.MakeShape("string", "int")})
	if got != nil {
		t.Fatalf("expected no bindings for the two-argument form, got %d", len(got))
	}
}

func TestRegistryMultipleModulesSameOp(t *testing.T) {
	r := hook.NewRegistry()
	op := hook.Op{Name: "exec", Shape: hook.MakeShape("string")}

	first := hook.NewDescriptor("first").Bind(op.Shape, newBeforeOnly, op.Name).MustBuild()
	second := hook.NewDescriptor("second").Bind(op.Shape, newBeforeAfter, op.Name).MustBuild()

	if err := r.Register(first, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(second, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.Resolve(op)
	if len(got) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(got))
	}
	if got[0].Hook != "first" || got[1].Hook != "second" {
		t.Errorf("resolution order = [%s %s], want registration order", got[0].Hook, got[1].Hook)
	}
}

// testOwner carries a name so that separately allocated owners are
// distinct interface values. Pointers to zero-size structs may share
// one address, which would make them compare equal as owners.
type testOwner struct{ name string }

func (*testOwner) Acquire() bool { return true }
func (*testOwner) Release()      {}

func TestRegistryUnregister(t *testing.T) {
	r := hook.NewRegistry()
	op := hook.Op{Name: "exec", Shape: hook.MakeShape("string")}

	ownerA := &testOwner{name: "a"}
	ownerB := &testOwner{name: "b"}
	if hook.Owner(ownerA) == hook.Owner(ownerB) {
		t.Fatal("owners must be distinct interface values")
	}

	a := hook.NewDescriptor("a").Bind(op.Shape, newBeforeOnly, op.Name).MustBuild()
	b := hook.NewDescriptor("b").Bind(op.Shape, newBeforeOnly, op.Name).MustBuild()
	if err := r.Register(a, ownerA); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(b, ownerB); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.Unregister(ownerA)

	got := r.Resolve(op)
	if len(got) != 1 {
		t.Fatalf("expected 1 binding after unregister, got %d", len(got))
	}
	if got[0].Hook != "b" {
		t.Errorf("remaining binding = %q, want %q", got[0].Hook, "b")
	}

	r.Unregister(ownerB)
	if got := r.Resolve(op); got != nil {
		t.Fatalf("expected nil after all owners unregistered, got %v", got)
	}
}
