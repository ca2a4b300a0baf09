package promagent

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/naddame/promagent/dispatch"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/metrics"
)

// Agent is the central coordinator for in-process instrumentation.
// It owns the hook registry, the shared metrics registry, the
// isolation-domain loader, and the dispatcher that runs handlers
// around intercepted calls.
//
// Create one with New() and functional options. An Agent is safe for
// concurrent use; typically a process holds exactly one.
type Agent struct {
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Registry

	hooks      *hook.Registry
	loader     *domain.Loader
	dispatcher *dispatch.Dispatcher

	closed atomic.Bool
}

// New creates a new Agent with the given options.
func New(opts ...Option) (*Agent, error) {
	a := &Agent{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.metrics == nil {
		a.metrics = metrics.NewRegistry()
	}

	a.hooks = hook.NewRegistry()
	a.loader = domain.NewLoader(a.hooks, a.metrics, a.logger)

	dopts := []dispatch.Option{
		dispatch.WithFailureLogRate(rate.Every(a.config.FailureLogInterval), a.config.FailureLogBurst),
	}
	if a.config.SelfMetrics {
		dopts = append(dopts, dispatch.WithFailureMetrics(a.metrics))
	}
	if a.tracer != nil {
		dopts = append(dopts, dispatch.WithTracer(a.tracer))
	}
	d, err := dispatch.New(a.hooks, a.logger, dopts...)
	if err != nil {
		return nil, err
	}
	a.dispatcher = d
	return a, nil
}

// Logger returns the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// Config returns a copy of the agent's configuration.
func (a *Agent) Config() Config { return a.config }

// Metrics returns the shared metrics registry.
func (a *Agent) Metrics() *metrics.Registry { return a.metrics }

// Hooks returns the hook binding registry.
func (a *Agent) Hooks() *hook.Registry { return a.hooks }

// Loader returns the isolation-domain loader.
func (a *Agent) Loader() *domain.Loader { return a.loader }

// Load creates an isolation domain for the named deployment unit and
// loads the given hook modules into it. It fails with ErrClosed once
// the agent has been closed.
func (a *Agent) Load(unit string, modules ...domain.Module) (*domain.Domain, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	return a.loader.Load(unit, modules...)
}

// Dispatcher returns the dispatcher.
func (a *Agent) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Do routes one intercepted call through the dispatcher. It is a
// convenience wrapper for Dispatcher().Do; see dispatch.Dispatcher.Do
// for the full contract.
func (a *Agent) Do(ctx context.Context, op hook.Op, args []any, fn func(context.Context) error) error {
	if a.closed.Load() {
		return fn(ctx)
	}
	return a.dispatcher.Do(ctx, op, args, fn)
}

// MetricsHandler returns an http.Handler exposing the shared registry
// in Prometheus text format.
func (a *Agent) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// Close unloads every deployment unit, draining in-flight handlers,
// and marks the agent closed. Calls dispatched after Close run the
// wrapped operation without instrumentation. Close is idempotent.
func (a *Agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, unit := range a.loader.Units() {
		if err := a.loader.Unload(unit); err != nil {
			a.logger.Error("unload failed during close", "unit", unit, "error", err)
		}
	}
	return nil
}
