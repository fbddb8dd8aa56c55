// Package server adapts the route tree to net/http. It dispatches each
// request through the active runtime, copies the terminal's response to
// the client, and maps dispatch errors onto the gateway's JSON error
// contract. The active runtime sits behind an atomic pointer so a config
// reload swaps the whole tree without pausing traffic.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/routegate/routegate/internal/apierror"
	"github.com/routegate/routegate/internal/auth"
	"github.com/routegate/routegate/internal/gateway"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/route"
)

// Server is the gateway's request entry point. It implements http.Handler
// over the active Runtime and is safe for concurrent use, including
// concurrent Swap calls from the reload goroutine.
type Server struct {
	runtime atomic.Pointer[gateway.Runtime]
	logger  *slog.Logger
}

// New creates a Server dispatching into rt.
func New(rt *gateway.Runtime, logger *slog.Logger) *Server {
	s := &Server{logger: logger}
	s.runtime.Store(rt)
	return s
}

// Swap installs a new runtime. In-flight requests finish on the runtime
// they started with.
func (s *Server) Swap(rt *gateway.Runtime) {
	s.runtime.Store(rt)
}

// Runtime returns the active runtime, for the health and admin surfaces.
func (s *Server) Runtime() *gateway.Runtime {
	return s.runtime.Load()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rt := s.runtime.Load()

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	r, tr := gateway.EnsureTrace(r)
	resp, err := rt.Root.Process(r.URL.Path, r)

	var status int
	if err != nil {
		status = s.writeError(w, r, rt, err)
	} else {
		status = resp.StatusCode
		s.writeResponse(w, resp, start)
	}

	label := tr.Route
	if label == "" {
		// No terminal ran. Upgrade refusals get their own label; everything
		// else that never matched folds into one to keep cardinality flat.
		label = "unmatched"
		if errors.Is(err, route.ErrUpgradeUnsupported) {
			label = "upgrade"
		}
	}
	metrics.RequestsTotal.WithLabelValues(label, r.Method, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(label, r.Method).Observe(time.Since(start).Seconds())
	if tr.Depth > 0 {
		metrics.DispatchDepth.Observe(float64(tr.Depth))
	}
}

// writeResponse copies the terminal's response to the client. The latency
// header goes on before WriteHeader commits the response.
func (s *Server) writeResponse(w http.ResponseWriter, resp *http.Response, start time.Time) {
	defer resp.Body.Close()

	h := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("X-Gateway-Latency", time.Since(start).String())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Usually the client going away mid-body; the status was already
		// committed, so there is nothing left to do but note it.
		s.logger.Debug("copying response body", "error", err)
	}
}

// writeError maps a dispatch error onto the JSON error contract and
// returns the status it wrote. Sentinel checks run before type checks
// where an error type can wrap a more specific cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, rt *gateway.Runtime, err error) int {
	var (
		notFound *route.NotFoundError
		tokenErr *auth.TokenError
		scopeErr *auth.ScopeError
		tooLarge *http.MaxBytesError
		upstream *gateway.UpstreamError
	)

	switch {
	case errors.As(err, &notFound):
		if rt.Root.MatchesPath(r.URL.Path) {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed for this route")
			return http.StatusMethodNotAllowed
		}
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return http.StatusNotFound

	case errors.Is(err, route.ErrUpgradeUnsupported):
		metrics.UpgradeRefusals.Inc()
		apierror.WriteJSON(w, r, http.StatusNotImplemented, apierror.UpgradeUnsupported, "connection upgrade is not supported")
		return http.StatusNotImplemented

	case errors.As(err, &tokenErr):
		code := apierror.AuthInvalidToken
		message := "invalid or expired token"
		if tokenErr.Reason == auth.ReasonMissing {
			code = apierror.AuthMissingToken
			message = "missing or malformed Authorization header"
		}
		apierror.WriteJSON(w, r, http.StatusUnauthorized, code, message)
		return http.StatusUnauthorized

	case errors.As(err, &scopeErr):
		apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, scopeErr.Error())
		return http.StatusForbidden

	case errors.As(err, &tooLarge):
		// MaxBytesReader fires inside the proxy's body read, so the limit
		// violation arrives here as a dispatch error.
		apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, gateway.ErrCircuitOpen):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen, "circuit breaker open")
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		// Checked before the generic upstream case: a timed-out proxy
		// attempt arrives wrapped in an UpstreamError.
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "upstream deadline exceeded")
		return http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
		return http.StatusGatewayTimeout

	case errors.As(err, &upstream):
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnavailable, "upstream service unavailable")
		return http.StatusBadGateway

	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "internal gateway error")
		return http.StatusInternalServerError
	}
}
