// Package gateway translates the route configuration into the runtime
// route tree. Respond blocks become terminal handlers answering in place,
// backend blocks become reverse-proxy handlers guarded by per-backend
// circuit breakers, upgrade blocks become refused upgrade routes, and
// nested tables become delegating routes over their own routers.
package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/routegate/routegate/internal/auth"
	"github.com/routegate/routegate/internal/circuitbreaker"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/route"
)

// Runtime is the product of a Build: the dispatchable route tree plus the
// circuit breakers guarding its backends, keyed by backend URL. Breakers
// are shared between routes that proxy to the same backend.
type Runtime struct {
	Root     *route.Router
	Breakers map[string]*circuitbreaker.CompositeBreaker
}

// Build constructs a Runtime from the configuration. All patterns are
// compiled here; a malformed template or backend URL fails the build and
// nothing half-constructed escapes.
func Build(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	return build(cfg, logger, nil)
}

// Rebuild constructs a new Runtime for a reloaded configuration, carrying
// over breaker state for backends present in both the old and new trees.
// Carried-over breakers have their core parameters updated in place, so an
// open circuit stays open across a reload instead of resetting.
func (rt *Runtime) Rebuild(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	return build(cfg, logger, rt.Breakers)
}

func build(cfg *config.Config, logger *slog.Logger, prev map[string]*circuitbreaker.CompositeBreaker) (*Runtime, error) {
	b := &builder{
		cfg:      cfg,
		logger:   logger,
		guard:    auth.New(cfg.Auth, logger),
		breakers: make(map[string]*circuitbreaker.CompositeBreaker),
		prev:     prev,
	}
	root, err := b.buildTable(cfg.Routes, lineage{depth: 1, literalOK: true})
	if err != nil {
		return nil, err
	}
	return &Runtime{Root: root, Breakers: b.breakers}, nil
}

type builder struct {
	cfg      *config.Config
	logger   *slog.Logger
	guard    *auth.Guard
	breakers map[string]*circuitbreaker.CompositeBreaker
	prev     map[string]*circuitbreaker.CompositeBreaker
}

// lineage is the node context inherited down the route tree during a
// build: the accumulated path template (for metric labels and the trace),
// the accumulated literal ancestor prefix (for strip_prefix), the static
// delegation depth, and the inherited auth/log settings.
type lineage struct {
	template     string
	literal      string
	literalOK    bool
	depth        int
	authRequired bool
	logLevel     string
}

func (b *builder) buildTable(rcs []config.RouteConfig, ln lineage) (*route.Router, error) {
	routes := make([]*route.Route, 0, len(rcs))
	for i := range rcs {
		rt, err := b.buildNode(&rcs[i], ln)
		if err != nil {
			return nil, err
		}
		routes = append(routes, rt)
	}
	return route.NewRouter(routes...), nil
}

func (b *builder) buildNode(rc *config.RouteConfig, ln lineage) (*route.Route, error) {
	template := ln.template + rc.Path
	authRequired := ln.authRequired || rc.AuthRequired
	logLevel := rc.LogLevel
	if logLevel == "" {
		logLevel = ln.logLevel
	}

	switch {
	case rc.Respond != nil:
		h := b.wrap(respondHandler(rc.Respond), template, ln, authRequired, logLevel)
		rt, err := route.NewTerminal(rc.Path, rc.Methods, h)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		return rt, nil

	case rc.Backend != nil:
		p, err := b.newProxyRoute(rc.Backend, template, ln)
		if err != nil {
			return nil, err
		}
		h := b.wrap(p.handle, template, ln, authRequired, logLevel)
		rt, err := route.NewTerminal(rc.Path, rc.Methods, h)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		return rt, nil

	case rc.Upgrade != nil:
		b.logger.Warn("upgrade route configured; connection upgrades are refused at dispatch",
			"path", template,
			"target", rc.Upgrade.Backend,
		)
		rt, err := route.NewUpgrade(rc.Path, refuseUpgrade)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		return rt, nil

	default:
		child := ln
		child.template = template
		child.depth = ln.depth + 1
		child.authRequired = authRequired
		child.logLevel = logLevel
		if child.literalOK && !strings.Contains(rc.Path, "{") {
			child.literal = ln.literal + rc.Path
		} else {
			child.literalOK = false
		}
		nested, err := b.buildTable(rc.Routes, child)
		if err != nil {
			return nil, err
		}
		rt, err := route.NewDelegate(rc.Path, nested)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", template, err)
		}
		return rt, nil
	}
}

// wrap layers the cross-cutting concerns onto a terminal handler: the auth
// guard when the route (or an ancestor) requires it, then the trace stamp
// outermost so even rejected requests carry their route label.
func (b *builder) wrap(h route.Handler, template string, ln lineage, authRequired bool, logLevel string) route.Handler {
	if authRequired {
		h = b.guard.Wrap(h)
	}
	return stamp(template, ln.depth, logLevel, h)
}

// stamp records the matched route on the request's dispatch trace before
// running the handler. The trace pointer is seeded by the server adapter,
// so writes here are visible to it after dispatch returns.
func stamp(template string, depth int, logLevel string, h route.Handler) route.Handler {
	return func(r *http.Request) (*http.Response, error) {
		if tr := TraceFrom(r.Context()); tr != nil {
			tr.Route = template
			tr.Depth = depth
			tr.LogLevel = logLevel
		}
		return h(r)
	}
}

// refuseUpgrade is registered for upgrade routes. Dispatch refuses upgrade
// routes before invoking the handler, so this only runs if something calls
// it directly, and it refuses too.
func refuseUpgrade(net.Conn, *route.RequestData) error {
	return route.ErrUpgradeUnsupported
}

// breakerFor returns the breaker guarding backend, creating it on first
// use. A breaker carried over from a previous Runtime keeps its window
// state and gets its parameters updated to the current configuration.
func (b *builder) breakerFor(backend string) *circuitbreaker.CompositeBreaker {
	if br, ok := b.breakers[backend]; ok {
		return br
	}
	cbCfg := breakerConfig(b.cfg.CircuitBreaker)
	if br, ok := b.prev[backend]; ok {
		br.UpdateConfig(cbCfg)
		b.breakers[backend] = br
		return br
	}
	br := circuitbreaker.NewComposite(backend, cbCfg, b.logger)
	b.breakers[backend] = br
	return br
}

func breakerConfig(c config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		WindowSize:       c.WindowSize,
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		HalfOpenMax:      c.HalfOpenMax,
		SlowThreshold:    c.SlowThreshold,
		MaxConcurrent:    c.MaxConcurrent,
		Adaptive:         c.Adaptive,
		LatencyCeiling:   c.LatencyCeiling,
		MinThreshold:     c.MinThreshold,
	}
}

var placeholderRe = regexp.MustCompile(`\{[^{}]+\}`)

// respondHandler answers in place from the configuration. {name}
// placeholders in the body are substituted with the parameters extracted
// along the dispatch path; unbound placeholders are left as written.
func respondHandler(rc *config.RespondConfig) route.Handler {
	return func(r *http.Request) (*http.Response, error) {
		body := substituteParams(rc.Body, route.Data(r))
		header := make(http.Header, len(rc.Headers)+1)
		for k, v := range rc.Headers {
			header.Set(k, v)
		}
		header.Set("Content-Type", rc.ContentType)
		return &http.Response{
			StatusCode:    rc.Status,
			Header:        header,
			Body:          io.NopCloser(strings.NewReader(body)),
			ContentLength: int64(len(body)),
		}, nil
	}
}

func substituteParams(body string, data *route.RequestData) string {
	if data == nil || !strings.Contains(body, "{") {
		return body
	}
	return placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		if v, ok := data.Params().Get(m[1 : len(m)-1]); ok {
			return v
		}
		return m
	})
}
