package route

import (
	"context"
	"net/http"
)

// Param is a single extracted path parameter.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of extracted path parameters. Order follows
// the capture groups of the patterns that produced them, outermost routing
// layer first. Duplicate names are kept as-is; Get returns the first
// binding, so an outer layer shadows an inner one on reads while both stay
// visible to iteration.
type Params []Param

// Get returns the value bound to name and whether a binding exists.
func (ps Params) Get(name string) (string, bool) {
	for i := range ps {
		if ps[i].Name == name {
			return ps[i].Value, true
		}
	}
	return "", false
}

// Value returns the value bound to name, or "" when absent.
func (ps Params) Value(name string) string {
	v, _ := ps.Get(name)
	return v
}

// RequestData is the routing state attached to an in-flight request: the
// parameters extracted by every routing layer the request has descended
// through. It is owned exclusively by the one goroutine processing the
// request, so no locking guards it.
type RequestData struct {
	params Params
}

// Params returns the merged parameter list in extraction order.
func (d *RequestData) Params() Params { return d.params }

// Param returns the value bound to name, or "" when absent.
func (d *RequestData) Param(name string) string { return d.params.Value(name) }

// merge appends newly extracted parameters onto the store. Existing
// entries are never replaced; a duplicate name results in two entries.
func (d *RequestData) merge(ps Params) {
	d.params = append(d.params, ps...)
}

type ctxKey string

// dataKey is the context key the parameter store travels under.
const dataKey ctxKey = "route_data"

// Data returns the RequestData attached to the request, or nil when the
// request has not passed through a router yet.
func Data(r *http.Request) *RequestData {
	d, _ := r.Context().Value(dataKey).(*RequestData)
	return d
}

// attach merges ps into the request's data store, creating and attaching
// the store first when the request carries none. The returned request must
// replace the caller's: a fresh store re-contexts the request, while a
// merge into an existing store (held by pointer in the outer context)
// leaves the request as-is.
func attach(r *http.Request, ps Params) *http.Request {
	if d := Data(r); d != nil {
		d.merge(ps)
		return r
	}
	d := &RequestData{params: ps}
	return r.WithContext(context.WithValue(r.Context(), dataKey, d))
}
