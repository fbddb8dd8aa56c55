// Package admin provides read-only admin API endpoints for runtime inspection
// of gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/routegate/routegate/internal/circuitbreaker"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/gateway"
)

// ConfigProvider abstracts config access for testability. The reload loop
// implements it, so /admin/config always shows what is currently live.
type ConfigProvider interface {
	Current() *config.Config
}

// RuntimeSource yields the currently active runtime, for breaker states.
type RuntimeSource interface {
	Runtime() *gateway.Runtime
}

// Handler provides admin API endpoints.
type Handler struct {
	configs     ConfigProvider
	source      RuntimeSource
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(configs ConfigProvider, source RuntimeSource, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		configs:     configs,
		source:      source,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeNode is the response shape for one route-tree node in /admin/routes.
type routeNode struct {
	Path         string      `json:"path"`
	Behavior     string      `json:"behavior"`
	Methods      []string    `json:"methods,omitempty"`
	AuthRequired bool        `json:"auth_required,omitempty"`
	LogLevel     string      `json:"log_level,omitempty"`
	Backend      string      `json:"backend,omitempty"`
	TimeoutMs    int         `json:"timeout_ms,omitempty"`
	BreakerState string      `json:"circuit_breaker_state,omitempty"`
	Routes       []routeNode `json:"routes,omitempty"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Current()
	breakers := h.source.Runtime().Breakers

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary": cfg.RouteCount(),
		"routes":  buildTree(cfg.Routes, breakers),
	})
}

func buildTree(routes []config.RouteConfig, breakers map[string]*circuitbreaker.CompositeBreaker) []routeNode {
	if len(routes) == 0 {
		return nil
	}
	nodes := make([]routeNode, len(routes))
	for i := range routes {
		rc := &routes[i]
		n := routeNode{
			Path:         rc.Path,
			Behavior:     rc.Behavior(),
			Methods:      rc.Methods,
			AuthRequired: rc.AuthRequired,
			LogLevel:     rc.LogLevel,
		}
		switch {
		case rc.Backend != nil:
			n.Backend = rc.Backend.URL
			n.TimeoutMs = rc.Backend.TimeoutMs
			if cb, ok := breakers[rc.Backend.URL]; ok && cb != nil {
				n.BreakerState = cb.State().String()
			}
		case rc.Upgrade != nil:
			n.Backend = rc.Upgrade.Backend
		}
		n.Routes = buildTree(rc.Routes, breakers)
		nodes[i] = n
	}
	return nodes
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.configs.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	breakers := h.source.Runtime().Breakers

	states := make(map[string]string, len(breakers))
	for backend, cb := range breakers {
		states[backend] = cb.State().String()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": states})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
