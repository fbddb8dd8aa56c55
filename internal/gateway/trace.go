package gateway

import (
	"context"
	"net/http"
)

// Trace carries dispatch facts out of the route tree. The server adapter
// seeds a Trace into the request context before calling Process; the
// terminal handler that ends up running fills it in. A Trace left empty
// means no terminal handled the request.
type Trace struct {
	Route    string // full configured path template of the matched terminal
	Depth    int    // static delegation depth of the terminal (top level = 1)
	LogLevel string // effective per-route log level, inherited down the tree
}

type ctxKey string

const traceKey ctxKey = "dispatch_trace"

// EnsureTrace returns a request carrying a dispatch trace, reusing one
// already present. The same pointer is returned so the caller can read
// fields filled in by handlers deeper in the dispatch.
func EnsureTrace(r *http.Request) (*http.Request, *Trace) {
	if tr := TraceFrom(r.Context()); tr != nil {
		return r, tr
	}
	tr := &Trace{}
	return r.WithContext(context.WithValue(r.Context(), traceKey, tr)), tr
}

// TraceFrom returns the dispatch trace on ctx, or nil when absent.
func TraceFrom(ctx context.Context) *Trace {
	tr, _ := ctx.Value(traceKey).(*Trace)
	return tr
}
