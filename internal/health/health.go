// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/routegate/routegate/internal/circuitbreaker"
	"github.com/routegate/routegate/internal/gateway"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// RuntimeSource yields the currently active runtime. The server adapter
// implements this; probing through it keeps readiness accurate across
// config reloads.
type RuntimeSource interface {
	Runtime() *gateway.Runtime
}

// Handler provides /health and /ready endpoints. Liveness reports the
// process is up; readiness checks every proxied backend, preferring
// circuit breaker state over a fresh dial.
type Handler struct {
	source RuntimeSource
	logger *slog.Logger

	// Cached readiness result to avoid TCP-dialling every backend on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler reading backends from source.
func New(source RuntimeSource, logger *slog.Logger) *Handler {
	return &Handler{source: source, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type backendResult struct {
		backend string
		status  string
		ok      bool
	}

	breakers := h.source.Runtime().Breakers

	ch := make(chan backendResult, len(breakers))
	for backend, cb := range breakers {
		go func(backend string, cb *circuitbreaker.CompositeBreaker) {
			// Fast path: the breaker already knows an unhealthy backend.
			switch cb.State() {
			case circuitbreaker.StateOpen:
				ch <- backendResult{backend: backend, status: "circuit-open", ok: false}
				return
			case circuitbreaker.StateHalfOpen:
				ch <- backendResult{backend: backend, status: "circuit-half-open", ok: true}
				return
			}

			// Closed: TCP dial for a definitive check.
			u, err := url.Parse(backend)
			if err != nil {
				ch <- backendResult{backend: backend, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("backend unreachable", "backend", backend, "error", err)
				ch <- backendResult{backend: backend, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- backendResult{backend: backend, status: "ok", ok: true}
		}(backend, cb)
	}

	results := make(map[string]string, len(breakers))
	anyDown := false
	for range breakers {
		res := <-ch
		results[res.backend] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"backends": results,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
