package promagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/hook"
)

type recordingHandler struct {
	calls *int
}

func (h *recordingHandler) Before(cc *chain.Context, call *hook.Call) error {
	*h.calls++
	return nil
}

type oneHookModule struct {
	handler *recordingHandler
}

func (m *oneHookModule) Name() string { return "one-hook" }

func (m *oneHookModule) Hooks() ([]*hook.Descriptor, error) {
	d, err := hook.NewDescriptor("one-hook").
		Bind(hook.MakeShape("string"), func() hook.Handler { return m.handler }, "test.op").
		Build()
	if err != nil {
		return nil, err
	}
	return []*hook.Descriptor{d}, nil
}

func newTestAgent(t *testing.T, opts ...Option) *Agent {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	a, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestNewDefaults(t *testing.T) {
	a := newTestAgent(t)
	if a.Metrics() == nil {
		t.Fatal("expected a metrics registry by default")
	}
	if got := a.Config(); !got.SelfMetrics {
		t.Errorf("SelfMetrics = %v, want true", got.SelfMetrics)
	}
}

func TestAgentDispatchesLoadedModule(t *testing.T) {
	a := newTestAgent(t)
	calls := 0
	mod := &oneHookModule{handler: &recordingHandler{calls: &calls}}
	if _, err := a.Load("app", mod); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	op := hook.Op{Name: "test.op", Shape: hook.MakeShape("string")}
	ran := false
	err := a.Do(context.Background(), op, []any{"x"}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !ran {
		t.Error("wrapped operation did not run")
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestAgentDoPropagatesOperationError(t *testing.T) {
	a := newTestAgent(t)
	want := errors.New("boom")
	op := hook.Op{Name: "test.op", Shape: hook.MakeShape("string")}
	err := a.Do(context.Background(), op, []any{"x"}, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Do() error = %v, want %v", err, want)
	}
}

func TestCloseStopsInstrumentation(t *testing.T) {
	a := newTestAgent(t)
	calls := 0
	mod := &oneHookModule{handler: &recordingHandler{calls: &calls}}
	if _, err := a.Load("app", mod); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	op := hook.Op{Name: "test.op", Shape: hook.MakeShape("string")}
	ran := false
	err := a.Do(context.Background(), op, []any{"x"}, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do() after Close error = %v", err)
	}
	if !ran {
		t.Error("wrapped operation did not run after Close")
	}
	if calls != 0 {
		t.Errorf("handler calls after Close = %d, want 0", calls)
	}
}

func TestLoadAfterCloseFails(t *testing.T) {
	a := newTestAgent(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, err := a.Load("late", &oneHookModule{handler: &recordingHandler{calls: new(int)}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Load() after Close error = %v, want ErrClosed", err)
	}
}
