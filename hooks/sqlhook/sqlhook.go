// Package sqlhook instruments SQL statement execution.
//
// For every outermost statement of a call chain it increments
// sql_queries_total and records the execution time in the
// sql_query_duration summary, labeled with the normalized query text
// and, when the chain was started by an instrumented HTTP request,
// the request method and path recorded by the HTTP hook.
//
// Statements issued from within the handling of another statement on
// the same chain (drivers frequently re-enter themselves) are detected
// through a marker set in the chain context and produce no duplicate
// emission; only the outermost statement of the chain is measured.
package sqlhook

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/metrics"
)

// Operation names the module binds to.
const (
	OpExec    = "sql.exec"
	OpQuery   = "sql.query"
	OpPrepare = "sql.prepare"
)

// Instrument names.
const (
	queriesTotal  = "sql_queries_total"
	queryDuration = "sql_query_duration"
)

// noHTTPContext is the label value used when the chain was not started
// by an instrumented HTTP request.
const noHTTPContext = "no http context"

// activeKey marks the chain as already handling a statement, for
// nested-call suppression.
var activeKey = chain.MustKey[bool]("sqlhook.active")

// These keys are written by the HTTP hook; the names are the contract,
// not a package dependency, so the two modules stay independently
// loadable.
var (
	httpMethodKey = chain.MustKey[string]("http.request.method")
	httpPathKey   = chain.MustKey[string]("http.request.path")
)

// valuesPattern matches SQL insert value lists so the query label
// carries the statement structure, not the inserted data.
var valuesPattern = regexp.MustCompile(`values\s*\(.*?\)`)

// Module is the SQL hook module.
type Module struct {
	reg *metrics.Registry
}

// New creates the SQL hook module.
func New() *Module { return &Module{} }

// Name implements domain.Module.
func (m *Module) Name() string { return "sqlhook" }

// Init implements domain.Initializer. It registers the module's
// instruments on the shared registry; when several deployment units
// load the module, the instruments are shared and registered once.
func (m *Module) Init(_ *domain.Domain, reg *metrics.Registry) error {
	m.reg = reg

	err := reg.Counter(queriesTotal, "Total number of sql queries.", "query", "method", "path")
	if err != nil && !errors.Is(err, metrics.ErrDuplicate) {
		return err
	}

	err = reg.Summary(queryDuration, "Duration for serving the sql queries in seconds.", nil, "query", "method", "path")
	if err != nil && !errors.Is(err, metrics.ErrDuplicate) {
		return err
	}

	return nil
}

// Hooks implements domain.Module. The one-argument form covers plain
// statement execution; the (string,int) form covers execution with
// driver options and delegates to the same handler logic.
func (m *Module) Hooks() ([]*hook.Descriptor, error) {
	factory := func() hook.Handler { return &handler{reg: m.reg} }

	d, err := hook.NewDescriptor("sqlhook").
		Bind(hook.MakeShape("string"), factory, OpExec, OpQuery, OpPrepare).
		Bind(hook.MakeShape("string", "int"), factory, OpExec, OpPrepare).
		Build()
	if err != nil {
		return nil, err
	}

	return []*hook.Descriptor{d}, nil
}

// handler is the per-call instance. relevant stays false for nested
// calls so After is a symmetric no-op.
type handler struct {
	reg      *metrics.Registry
	start    time.Time
	relevant bool
}

func (h *handler) Before(cc *chain.Context, call *hook.Call) error {
	if _, err := queryArg(call); err != nil {
		return err
	}

	if chain.GetOr(cc, activeKey, false) {
		// A statement is already being handled further up the chain.
		// Leaving relevant unset makes After a no-op.
		return nil
	}

	chain.Put(cc, activeKey, true)
	h.relevant = true
	h.start = time.Now()

	return nil
}

func (h *handler) After(cc *chain.Context, call *hook.Call) error {
	if !h.relevant {
		return nil
	}

	query, err := queryArg(call)
	if err != nil {
		return err
	}

	defer chain.Delete(cc, activeKey)

	elapsed := time.Since(h.start).Seconds()
	method := chain.GetOr(cc, httpMethodKey, noHTTPContext)
	path := chain.GetOr(cc, httpPathKey, noHTTPContext)
	normalized := stripValues(query)

	if err := h.reg.Inc(queriesTotal, normalized, method, path); err != nil {
		return err
	}
	return h.reg.Observe(elapsed, queryDuration, normalized, method, path)
}

func queryArg(call *hook.Call) (string, error) {
	if len(call.Args) == 0 {
		return "", fmt.Errorf("sqlhook: %s called without arguments", call.Op)
	}
	query, ok := call.Args[0].(string)
	if !ok {
		return "", fmt.Errorf("sqlhook: %s first argument is %T, want string", call.Op, call.Args[0])
	}
	return query, nil
}

// stripValues replaces insert value lists with a placeholder:
//
//	insert into member (id, name) values (0, 'John')
//
// becomes
//
//	insert into member (id, name) values (...)
func stripValues(query string) string {
	return valuesPattern.ReplaceAllString(query, "values (...)")
}
