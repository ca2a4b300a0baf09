package httphook_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/dispatch"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/hooks/httphook"
	"github.com/naddame/promagent/hooks/sqlhook"
	"github.com/naddame/promagent/metrics"
)

var requestOp = hook.Op{Name: httphook.OpRequest, Shape: hook.MakeShape("string", "string")}

func setup(t *testing.T, modules ...domain.Module) (*dispatch.Dispatcher, *metrics.Registry) {
	t.Helper()

	registry := hook.NewRegistry()
	shared := metrics.NewRegistry()
	loader := domain.NewLoader(registry, shared, slog.Default())

	if _, err := loader.Load("app", modules...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := dispatch.New(registry, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return d, shared
}

func counterValue(t *testing.T, reg *metrics.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Prometheus().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRequestCounted(t *testing.T) {
	d, shared := setup(t, httphook.New())

	err := d.Do(context.Background(), requestOp, []any{"GET", "/members"}, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := counterValue(t, shared, "http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/members",
	})
	if got != 1 {
		t.Errorf("http_requests_total = %f, want 1", got)
	}
}

func TestRequestContextKeysVisibleInChain(t *testing.T) {
	d, _ := setup(t, httphook.New())

	err := d.Do(context.Background(), requestOp, []any{"POST", "/orders"}, func(ctx context.Context) error {
		cc, ok := chain.FromContext(ctx)
		if !ok {
			t.Fatal("expected active chain")
		}
		if got, _ := chain.Get(cc, httphook.MethodKey); got != "POST" {
			t.Errorf("method key = %q, want POST", got)
		}
		if got, _ := chain.Get(cc, httphook.PathKey); got != "/orders" {
			t.Errorf("path key = %q, want /orders", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNestedDispatchSuppressed(t *testing.T) {
	d, shared := setup(t, httphook.New())

	err := d.Do(context.Background(), requestOp, []any{"GET", "/outer"}, func(ctx context.Context) error {
		return d.Do(ctx, requestOp, []any{"GET", "/inner"}, func(_ context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := counterValue(t, shared, "http_requests_total", map[string]string{"path": "/outer"}); got != 1 {
		t.Errorf("outer request count = %f, want 1", got)
	}
	if got := counterValue(t, shared, "http_requests_total", map[string]string{"path": "/inner"}); got != 0 {
		t.Errorf("nested request count = %f, want 0", got)
	}
}

// The cross-hook scenario: a SQL statement issued while handling an
// instrumented HTTP request is labeled with that request's method and
// path, although the two hook modules never import each other.
func TestSQLQueryLabeledWithRequestContext(t *testing.T) {
	d, shared := setup(t, httphook.New(), sqlhook.New())

	execOp := hook.Op{Name: sqlhook.OpExec, Shape: hook.MakeShape("string")}
	err := d.Do(context.Background(), requestOp, []any{"GET", "/members"}, func(ctx context.Context) error {
		return d.Do(ctx, execOp, []any{"SELECT * FROM member"}, func(_ context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := counterValue(t, shared, "sql_queries_total", map[string]string{
		"query":  "SELECT * FROM member",
		"method": "GET",
		"path":   "/members",
	})
	if got != 1 {
		t.Errorf("cross-hook labeled query count = %f, want 1", got)
	}
}

func TestChainClearedBetweenRequests(t *testing.T) {
	d, shared := setup(t, httphook.New(), sqlhook.New())

	execOp := hook.Op{Name: sqlhook.OpExec, Shape: hook.MakeShape("string")}

	// First request issues a query.
	err := d.Do(context.Background(), requestOp, []any{"GET", "/members"}, func(ctx context.Context) error {
		return d.Do(ctx, execOp, []any{"SELECT 1"}, func(_ context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A later, unrelated query on a fresh chain must not inherit the
	// previous request's labels.
	err = d.Do(context.Background(), execOp, []any{"SELECT 2"}, func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := counterValue(t, shared, "sql_queries_total", map[string]string{
		"query":  "SELECT 2",
		"method": "no http context",
		"path":   "no http context",
	})
	if got != 1 {
		t.Errorf("unrelated query inherited stale request context, count = %f, want 1", got)
	}
}
