package route

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Handler is a terminal request handler: it consumes the request and
// produces a response, or an error that Process propagates verbatim.
type Handler func(*http.Request) (*http.Response, error)

// UpgradeHandler handles a connection after a successful protocol-upgrade
// handshake, together with the routing data extracted on the way in. The
// handshake itself is not implemented; see ErrUpgradeUnsupported.
type UpgradeHandler func(conn net.Conn, data *RequestData) error

// Kind identifies a route's dispatch behavior. The set is closed: every
// route is exactly one of these from construction to teardown.
type Kind int

const (
	KindTerminal Kind = iota // resolves the request with its own handler
	KindDelegate             // forwards the path remainder to a nested router
	KindUpgrade              // reserves the path for a protocol upgrade
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindDelegate:
		return "delegate"
	case KindUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Route binds one compiled path pattern to exactly one dispatch behavior.
// Routes are built before serving starts and never mutated afterwards, so
// they are safe for concurrent matching without locks.
type Route struct {
	path    string
	pattern *Pattern
	kind    Kind

	methods []string       // terminal only; empty admits every method
	handler Handler        // terminal
	nested  *Router        // delegate; shared, read-only, outlives the route
	upgrade UpgradeHandler // upgrade
}

// NewTerminal builds a route that resolves matching requests itself. The
// template is compiled with the exact-match policy: the whole target path
// must satisfy it. An empty method list admits every method.
func NewTerminal(path string, methods []string, handler Handler) (*Route, error) {
	if handler == nil {
		return nil, fmt.Errorf("terminal route %q: handler must not be nil", path)
	}
	p, err := compileExact(path)
	if err != nil {
		return nil, err
	}
	return &Route{path: path, pattern: p, kind: KindTerminal, methods: methods, handler: handler}, nil
}

// NewDelegate builds a route that forwards the unmatched remainder of the
// path to a nested router. The template is compiled with the prefix-match
// policy. The nested router is shared: the route never mutates it and the
// router must stay valid for as long as the route does.
func NewDelegate(path string, nested *Router) (*Route, error) {
	if nested == nil {
		return nil, fmt.Errorf("delegating route %q: nested router must not be nil", path)
	}
	p, err := compilePrefix(path)
	if err != nil {
		return nil, err
	}
	return &Route{path: path, pattern: p, kind: KindDelegate, nested: nested}, nil
}

// NewUpgrade builds a route that reserves a path for a connection upgrade.
// The template is compiled with the exact-match policy. Dispatch to the
// route fails with ErrUpgradeUnsupported until the handshake protocol
// exists; the handler is stored for that day.
func NewUpgrade(path string, handler UpgradeHandler) (*Route, error) {
	if handler == nil {
		return nil, fmt.Errorf("upgrade route %q: handler must not be nil", path)
	}
	p, err := compileExact(path)
	if err != nil {
		return nil, err
	}
	return &Route{path: path, pattern: p, kind: KindUpgrade, upgrade: handler}, nil
}

// IsMatch reports whether the route accepts the target path and method.
// Terminal routes check the method against their allowed set; delegating
// routes ignore it because enforcement belongs to whatever matches inside
// the nested table; upgrade routes ignore it because upgrade requests are
// identified by headers, not the verb.
func (rt *Route) IsMatch(targetPath, method string) bool {
	if rt.kind == KindTerminal && len(rt.methods) > 0 {
		return rt.pattern.match(targetPath) && methodAllowed(method, rt.methods)
	}
	return rt.pattern.match(targetPath)
}

// MatchesPath reports whether the path alone satisfies the route's
// pattern, ignoring any method restriction. Used for method-not-allowed
// probing and introspection.
func (rt *Route) MatchesPath(targetPath string) bool {
	return rt.pattern.match(targetPath)
}

// Process dispatches a request this route matched. Terminal: extract
// parameters, merge them into the request's store, call the handler and
// return its result verbatim. Delegate: same extraction, then forward the
// path remainder into the nested router, which repeats the whole cycle
// over its own table (route trees are finite and acyclic by composition,
// which bounds the recursion). Upgrade: extraction still runs, then
// dispatch fails explicitly.
func (rt *Route) Process(targetPath string, req *http.Request) (*http.Response, error) {
	switch rt.kind {
	case KindTerminal:
		req = attach(req, rt.pattern.capture(targetPath))
		return rt.handler(req)
	case KindDelegate:
		req = attach(req, rt.pattern.capture(targetPath))
		return rt.nested.Process(rt.pattern.remainder(targetPath), req)
	default:
		// Extraction still runs so upgrade routes exercise the same code
		// as live dispatch; the data dies with the refused request.
		attach(req, rt.pattern.capture(targetPath))
		return nil, ErrUpgradeUnsupported
	}
}

// Path returns the original route template, retained for introspection.
func (rt *Route) Path() string { return rt.path }

// Kind returns the route's dispatch behavior.
func (rt *Route) Kind() Kind { return rt.kind }

// Methods returns the allowed-method set of a terminal route. Empty means
// the route admits any method; non-terminal routes always return empty.
func (rt *Route) Methods() []string {
	out := make([]string, len(rt.methods))
	copy(out, rt.methods)
	return out
}

// Nested returns the router a delegating route forwards to, or nil for
// the other kinds.
func (rt *Route) Nested() *Router { return rt.nested }

// ParamNames returns the template's parameter names in capture order.
func (rt *Route) ParamNames() []string { return rt.pattern.ParamNames() }

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}
