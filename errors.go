package promagent

import (
	"errors"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
)

// Agent-level errors.
var (
	// ErrClosed is returned when modules are loaded into an agent that
	// has been closed. Dispatch through a closed agent does not fail;
	// it runs the wrapped operation without instrumentation.
	ErrClosed = errors.New("promagent: agent is closed")
)

// Re-exported subsystem errors, so callers holding only the root
// package can test for the common failure modes with errors.Is.
var (
	ErrRegistration = hook.ErrRegistration
	ErrTypeConflict = chain.ErrTypeConflict
	ErrUnitExists   = domain.ErrUnitExists
	ErrUnknownUnit  = domain.ErrUnknownUnit
)
