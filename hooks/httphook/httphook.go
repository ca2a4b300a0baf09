// Package httphook instruments HTTP request handling.
//
// It records the request method and path into the chain context,
// where other hooks pick them up as labels (the SQL hook tags queries
// with the request that triggered them), and emits
// http_requests_total plus the http_request_duration summary for the
// outermost request of each chain. Nested dispatches of the same
// request (forwards, includes) are suppressed through a chain marker.
package httphook

import (
	"errors"
	"fmt"
	"time"

	"github.com/naddame/promagent/chain"
	"github.com/naddame/promagent/domain"
	"github.com/naddame/promagent/hook"
	"github.com/naddame/promagent/metrics"
)

// OpRequest is the operation name the module binds to. The parameter
// shape is (string,string): request method and path.
const OpRequest = "http.request"

// Instrument names.
const (
	requestsTotal   = "http_requests_total"
	requestDuration = "http_request_duration"
)

// Context keys published for other hooks. The SQL hook reads these by
// name to label queries with the request that issued them.
var (
	// MethodKey holds the HTTP method of the chain's outermost request.
	MethodKey = chain.MustKey[string]("http.request.method")

	// PathKey holds the path of the chain's outermost request.
	PathKey = chain.MustKey[string]("http.request.path")
)

// activeKey marks the chain as already handling a request.
var activeKey = chain.MustKey[bool]("httphook.active")

// Module is the HTTP hook module.
type Module struct {
	reg *metrics.Registry
}

// New creates the HTTP hook module.
func New() *Module { return &Module{} }

// Name implements domain.Module.
func (m *Module) Name() string { return "httphook" }

// Init implements domain.Initializer.
func (m *Module) Init(_ *domain.Domain, reg *metrics.Registry) error {
	m.reg = reg

	err := reg.Counter(requestsTotal, "Total number of http requests.", "method", "path")
	if err != nil && !errors.Is(err, metrics.ErrDuplicate) {
		return err
	}

	err = reg.Summary(requestDuration, "Duration for serving the http requests in seconds.", nil, "method", "path")
	if err != nil && !errors.Is(err, metrics.ErrDuplicate) {
		return err
	}

	return nil
}

// Hooks implements domain.Module.
func (m *Module) Hooks() ([]*hook.Descriptor, error) {
	d, err := hook.NewDescriptor("httphook").
		Bind(hook.MakeShape("string", "string"), func() hook.Handler {
			return &handler{reg: m.reg}
		}, OpRequest).
		Build()
	if err != nil {
		return nil, err
	}

	return []*hook.Descriptor{d}, nil
}

type handler struct {
	reg      *metrics.Registry
	start    time.Time
	relevant bool
}

func (h *handler) Before(cc *chain.Context, call *hook.Call) error {
	method, path, err := requestArgs(call)
	if err != nil {
		return err
	}

	if chain.GetOr(cc, activeKey, false) {
		// Nested dispatch of the request already being handled.
		return nil
	}

	chain.Put(cc, activeKey, true)
	chain.Put(cc, MethodKey, method)
	chain.Put(cc, PathKey, path)
	h.relevant = true
	h.start = time.Now()

	return nil
}

func (h *handler) After(cc *chain.Context, call *hook.Call) error {
	if !h.relevant {
		return nil
	}

	method, path, err := requestArgs(call)
	if err != nil {
		return err
	}

	defer chain.Delete(cc, activeKey)

	elapsed := time.Since(h.start).Seconds()
	if err := h.reg.Inc(requestsTotal, method, path); err != nil {
		return err
	}
	return h.reg.Observe(elapsed, requestDuration, method, path)
}

func requestArgs(call *hook.Call) (method, path string, err error) {
	if len(call.Args) < 2 {
		return "", "", fmt.Errorf("httphook: %s called with %d arguments, want 2", call.Op, len(call.Args))
	}
	method, okM := call.Args[0].(string)
	path, okP := call.Args[1].(string)
	if !okM || !okP {
		return "", "", fmt.Errorf("httphook: %s arguments are (%T,%T), want (string,string)", call.Op, call.Args[0], call.Args[1])
	}
	return method, path, nil
}
