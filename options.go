package promagent

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/naddame/promagent/metrics"
)

// Option configures an Agent.
type Option func(*Agent) error

// WithConfig replaces the agent's configuration wholesale.
func WithConfig(cfg Config) Option {
	return func(a *Agent) error {
		a.config = cfg
		return nil
	}
}

// WithLogger sets the logger used by the agent and its subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}

// WithTracer enables span emission around instrumented calls.
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) error {
		a.tracer = tracer
		return nil
	}
}

// WithMetrics sets the shared metrics registry. Use this when the
// host application already exposes a registry of its own.
func WithMetrics(reg *metrics.Registry) Option {
	return func(a *Agent) error {
		a.metrics = reg
		return nil
	}
}

// WithSelfMetrics toggles the agent's own failure counter.
func WithSelfMetrics(enabled bool) Option {
	return func(a *Agent) error {
		a.config.SelfMetrics = enabled
		return nil
	}
}
