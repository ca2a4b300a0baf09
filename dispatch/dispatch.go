// Package dispatch implements the runtime glue that wraps every
// intercepted operation with its before- and after-handlers.
//
// The rewriting layer hands each intercepted call to Dispatcher.Do,
// which resolves the matching handler bindings, runs their
// before-handlers in registration order, lets the original operation
// execute, and runs the after-handlers in reverse order from a
// deferred block so they execute on every exit path, including panics
// of the wrapped operation.
//
// Instrumentation is fail-open: a handler that returns an error or
// panics loses its own metrics for the call, gets reported through the
// logger, and never prevents the wrapped operation from executing or
// alters its outcome.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/metrics"
)

// failureCounter is the self-observation instrument counting handler
// failures, labeled by hook module, operation, and phase.
const failureCounter = "promagent_handler_failures_total"

// Dispatcher wraps intercepted operations with their handlers.
// It is safe for concurrent use from many goroutines; the hot path
// takes no locks beyond what the registry snapshot read costs.
type Dispatcher struct {
	registry *hook.Registry
	logger   *slog.Logger
	limiter  *rate.Limiter
	tracer   trace.Tracer
	self     *metrics.Registry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithTracer enables an OpenTelemetry span around every instrumented
// call (uninstrumented calls stay on the fast path and get no span).
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) error {
		d.tracer = tracer
		return nil
	}
}

// WithFailureMetrics registers the handler-failure counter on reg and
// increments it for every reported handler failure.
func WithFailureMetrics(reg *metrics.Registry) Option {
	return func(d *Dispatcher) error {
		if err := reg.Counter(failureCounter, "Total number of hook handler failures.", "hook", "op", "phase"); err != nil {
			return fmt.Errorf("dispatch: register failure counter: %w", err)
		}
		d.self = reg
		return nil
	}
}

// WithFailureLogRate bounds how often handler failures are logged.
// Failures beyond the limit are still counted (see WithFailureMetrics)
// but not logged, so a broken hook on a hot operation cannot flood the
// log. The default allows 10 entries per second with a burst of 20.
func WithFailureLogRate(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) error {
		d.limiter = rate.NewLimiter(limit, burst)
		return nil
	}
}

// New creates a Dispatcher resolving handlers from registry.
func New(registry *hook.Registry, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry: registry,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// liveInstance is a handler instance whose before-handler ran and whose
// after-handler (if any) is therefore owed exactly one invocation.
type liveInstance struct {
	binding *hook.Binding
	handler hook.Handler
}

// Do wraps one intercepted invocation of op with the registered
// handlers and executes fn, the original operation. The return value is
// fn's own outcome; handler failures never replace it.
//
// When op is not instrumented, Do is a single registry lookup plus the
// fn call.
func (d *Dispatcher) Do(ctx context.Context, op hook.Op, args []any, fn func(context.Context) error) (err error) {
	bindings := d.registry.Resolve(op)
	if len(bindings) == 0 {
		return fn(ctx)
	}

	ctx, cc, outermost := chain.Enter(ctx)
	call := &hook.Call{Op: op, Args: args}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "promagent.intercept",
			trace.WithAttributes(
				attribute.String("promagent.op", op.Name),
				attribute.String("promagent.shape", string(op.Shape)),
				attribute.String("promagent.chain_id", cc.ID().String()),
				attribute.Int("promagent.bindings", len(bindings)),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}()
	}

	live := make([]liveInstance, 0, len(bindings))
	for i := range bindings {
		b := &bindings[i]
		if b.Owner != nil && !b.Owner.Acquire() {
			// The owning domain began unloading; no new instances.
			continue
		}

		h := b.New()
		if beforeErr := d.invokeBefore(h, cc, call); beforeErr != nil {
			d.reportFailure("before", b, cc, beforeErr)
			if b.Owner != nil {
				b.Owner.Release()
			}
			continue
		}
		live = append(live, liveInstance{binding: b, handler: h})
	}

	// After-handlers run from a deferred block so they execute whether
	// fn returns, fails, or panics, in reverse before order.
	defer func() {
		for i := len(live) - 1; i >= 0; i-- {
			inst := live[i]
			if inst.binding.HasAfter {
				if afterErr := d.invokeAfter(inst.handler.(hook.AfterHandler), cc, call); afterErr != nil {
					d.reportFailure("after", inst.binding, cc, afterErr)
				}
			}
			if inst.binding.Owner != nil {
				inst.binding.Owner.Release()
			}
		}
		if outermost {
			cc.Clear()
		}
	}()

	return fn(ctx)
}

// handlerPanic wraps a recovered panic value so the failure report can
// attach the captured stack.
type handlerPanic struct {
	value any
	stack []byte
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler panicked: %v", p.value)
}

func (d *Dispatcher) invokeBefore(h hook.Handler, cc *chain.Context, call *hook.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	return h.Before(cc, call)
}

func (d *Dispatcher) invokeAfter(h hook.AfterHandler, cc *chain.Context, call *hook.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	return h.After(cc, call)
}

func (d *Dispatcher) reportFailure(phase string, b *hook.Binding, cc *chain.Context, failure error) {
	if d.self != nil {
		// The counter is registered in WithFailureMetrics with exactly
		// these labels, so the update cannot fail.
		_ = d.self.Inc(failureCounter, b.Hook, b.Op.String(), phase)
	}

	if !d.limiter.Allow() {
		return
	}

	attrs := []any{
		slog.String("hook", b.Hook),
		slog.String("op", b.Op.String()),
		slog.String("phase", phase),
		slog.String("chain_id", cc.ID().String()),
		slog.String("error", failure.Error()),
	}
	if p, ok := failure.(*handlerPanic); ok {
		attrs = append(attrs, slog.String("stack", string(p.stack)))
	}
	d.logger.Error("hook handler failed", attrs...)
}
