// Package promagent provides an in-process instrumentation agent for
// Go applications. It intercepts selected operations of the host
// program to emit Prometheus metrics without modifying the program's
// own code.
//
// The agent is a library, not a service. The rewriting layer (an
// external collaborator) routes intercepted calls through the agent's
// dispatcher; hook modules declare before/after handlers for named
// operations and communicate through a call-chain-scoped context
// store; every module, across all deployment units, shares one metrics
// registry.
//
// # Quick Start
//
//	agent, err := promagent.New()
//	if err != nil { ... }
//
//	_, err = agent.Load("app", sqlhook.New(), httphook.New())
//	if err != nil { ... }
//
//	// At each instrumented call site:
//	op := hook.Op{Name: sqlhook.OpExec, Shape: hook.MakeShape("string")}
//	err = agent.Do(ctx, op, []any{query}, func(ctx context.Context) error {
//	    return stmt.Exec(query)
//	})
//
// # Architecture
//
// Each subsystem lives in its own package: hook (descriptors and the
// binding registry), chain (the call-chain context store), dispatch
// (the before/after runtime), domain (isolation domains with
// global-first symbol resolution), and metrics (the shared registry).
// The root package wires them together.
package promagent
