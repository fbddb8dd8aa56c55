package route

import "net/http"

// Router is an ordered route table. Matching walks the table in
// registration order and dispatches to the first route that accepts the
// request, so earlier routes shadow later ones. A Router is immutable
// after construction; replacing routes means building a new Router and
// swapping it in above this layer.
type Router struct {
	routes []*Route
}

// NewRouter builds a router over the given routes. Delegating routes in
// other tables may share the result; they treat it as read-only, which
// the immutable table makes trivially safe.
func NewRouter(routes ...*Route) *Router {
	table := make([]*Route, len(routes))
	copy(table, routes)
	return &Router{routes: table}
}

// Routes returns the table in match order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

// Lookup returns the first route that would accept the path and method,
// without dispatching to it.
func (r *Router) Lookup(targetPath, method string) (*Route, bool) {
	for _, rt := range r.routes {
		if rt.IsMatch(targetPath, method) {
			return rt, true
		}
	}
	return nil, false
}

// MatchesPath reports whether any route in the table accepts the path when
// method restrictions are ignored, descending through delegating routes.
// After a NotFoundError this tells a wrong-method request apart from a
// wrong-path one.
func (r *Router) MatchesPath(targetPath string) bool {
	for _, rt := range r.routes {
		if !rt.MatchesPath(targetPath) {
			continue
		}
		if rt.kind == KindDelegate {
			if rt.nested.MatchesPath(rt.pattern.remainder(targetPath)) {
				return true
			}
			continue
		}
		return true
	}
	return false
}

// Process dispatches the request to the first route that matches. The
// target path travels separately from the request because delegation
// rewrites it: a nested router sees only the remainder its parent left,
// while the request keeps its original URL. Falling through the whole
// table yields a NotFoundError.
func (r *Router) Process(targetPath string, req *http.Request) (*http.Response, error) {
	for _, rt := range r.routes {
		if rt.IsMatch(targetPath, req.Method) {
			return rt.Process(targetPath, req)
		}
	}
	return nil, &NotFoundError{Method: req.Method, Path: targetPath}
}
