package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/routegate/routegate/internal/circuitbreaker"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/metrics"
)

// ErrCircuitOpen is returned (wrapped in an UpstreamError) when the
// breaker guarding a backend rejects the request. The server maps it
// to 503.
var ErrCircuitOpen = errors.New("circuit breaker open")

// UpstreamError reports that a backend could not produce a response:
// the circuit was open, the dial failed, or every retry attempt died in
// transport. The server maps it to 502 unless the cause says otherwise.
type UpstreamError struct {
	Backend string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// proxyRoute is the terminal handler for a backend block: it forwards the
// request upstream with per-attempt timeout, retries with backoff on
// 502/503/504 and transport failures, and serves the configured fallback
// when every attempt is exhausted.
type proxyRoute struct {
	template    string // full configured path template, for metrics and logs
	backend     *url.URL
	cfg         *config.BackendConfig
	stripPrefix string // literal ancestor prefix to trim when strip_prefix is set
	client      *http.Client
	breaker     *circuitbreaker.CompositeBreaker
	logger      *slog.Logger
}

func (b *builder) newProxyRoute(bc *config.BackendConfig, template string, ln lineage) (*proxyRoute, error) {
	target, err := url.Parse(bc.URL)
	if err != nil {
		return nil, fmt.Errorf("route %s: invalid backend URL %q: %w", template, bc.URL, err)
	}
	if bc.StripPrefix && !ln.literalOK {
		return nil, fmt.Errorf("route %s: strip_prefix requires literal ancestor path templates", template)
	}
	return &proxyRoute{
		template:    template,
		backend:     target,
		cfg:         bc,
		stripPrefix: ln.literal,
		client: &http.Client{
			Transport: newTransport(bc.ConnectionPool),
			Timeout:   bc.Timeout(),
			// A proxy passes redirects through; the client must not chase them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker: b.breakerFor(bc.URL),
		logger:  b.logger,
	}, nil
}

func newTransport(cp *config.ConnectionPoolConfig) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cp == nil {
		return t
	}
	if cp.MaxIdleConns > 0 {
		t.MaxIdleConns = cp.MaxIdleConns
	}
	if cp.MaxIdlePerHost > 0 {
		t.MaxIdleConnsPerHost = cp.MaxIdlePerHost
	}
	if cp.IdleTimeout > 0 {
		t.IdleConnTimeout = cp.IdleTimeout
	}
	return t
}

// handle forwards the request to the backend. It is bound as the route's
// terminal Handler; the response body is owned by the caller.
func (p *proxyRoute) handle(r *http.Request) (*http.Response, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit open, rejecting request", "backend", p.cfg.URL, "path", r.URL.Path)
		return nil, &UpstreamError{Backend: p.cfg.URL, Err: ErrCircuitOpen}
	}
	defer p.breaker.Release()

	target := p.outboundURL(r)

	maxAttempts := p.cfg.RetryAttempts + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Retries need a replayable body; buffer it once. Single-attempt
	// requests stream the body straight through.
	var bodyBytes []byte
	if maxAttempts > 1 && r.Body != nil && r.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffering request body for retries: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.Context().Err(); err != nil {
			return nil, err
		}

		resp, err := p.attempt(r, target, bodyBytes)
		isFinal := attempt == maxAttempts

		if err == nil {
			if !isRetryable(resp.StatusCode) {
				if resp.StatusCode >= 500 {
					metrics.BackendErrors.WithLabelValues(p.template, p.cfg.URL, strconv.Itoa(resp.StatusCode)).Inc()
				}
				return resp, nil
			}
			if isFinal {
				metrics.BackendErrors.WithLabelValues(p.template, p.cfg.URL, strconv.Itoa(resp.StatusCode)).Inc()
				if p.cfg.FallbackStatus != 0 {
					drainAndClose(resp.Body)
					p.logger.Warn("retries exhausted, serving fallback",
						"path", r.URL.Path, "backend", p.cfg.URL, "status", resp.StatusCode)
					return p.fallback(), nil
				}
				return resp, nil
			}
			p.logger.Warn("retrying request",
				"path", r.URL.Path, "backend", p.cfg.URL, "attempt", attempt, "status", resp.StatusCode)
			drainAndClose(resp.Body)
		} else {
			lastErr = err
			if isFinal {
				break
			}
			p.logger.Warn("retrying request",
				"path", r.URL.Path, "backend", p.cfg.URL, "attempt", attempt, "error", err)
		}

		metrics.RetryTotal.WithLabelValues(p.template, p.cfg.URL).Inc()
		time.Sleep(backoff(attempt))
	}

	metrics.BackendErrors.WithLabelValues(p.template, p.cfg.URL, "502").Inc()
	if p.cfg.FallbackStatus != 0 {
		p.logger.Warn("upstream unreachable, serving fallback",
			"path", r.URL.Path, "backend", p.cfg.URL, "error", lastErr)
		return p.fallback(), nil
	}
	return nil, &UpstreamError{Backend: p.cfg.URL, Err: lastErr}
}

// attempt performs one upstream exchange and records its outcome on the
// breaker. A response with status below 500 counts as backend success
// even when the gateway will retry it.
func (p *proxyRoute) attempt(r *http.Request, target *url.URL, bodyBytes []byte) (*http.Response, error) {
	var body io.Reader
	switch {
	case bodyBytes != nil:
		body = bytes.NewReader(bodyBytes)
	case r.Body != nil && r.Body != http.NoBody:
		body = r.Body
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if bodyBytes == nil && body != nil {
		out.ContentLength = r.ContentLength
	}
	out.Header = r.Header.Clone()
	removeHopByHop(out.Header)
	for k, v := range p.cfg.Headers {
		out.Header.Set(k, v)
	}
	appendForwardedFor(out.Header, r.RemoteAddr)
	out.Host = r.Host

	start := time.Now()
	resp, err := p.client.Do(out)
	latency := time.Since(start)
	if err != nil {
		p.breaker.RecordFailure(latency)
		return nil, err
	}
	if resp.StatusCode >= 500 {
		p.breaker.RecordFailure(latency)
	} else {
		p.breaker.RecordSuccess(latency)
	}
	removeHopByHop(resp.Header)
	return resp, nil
}

// outboundURL maps the inbound path onto the backend URL. With
// strip_prefix set, the literal prefix consumed by ancestor routes is
// trimmed so the backend sees only the path this route's own template
// matched.
func (p *proxyRoute) outboundURL(r *http.Request) *url.URL {
	path := r.URL.Path
	if p.cfg.StripPrefix {
		path = strings.TrimPrefix(path, p.stripPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	u := *p.backend
	u.Path = singleJoiningSlash(p.backend.Path, path)
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (p *proxyRoute) fallback() *http.Response {
	body := p.cfg.FallbackBody
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Gateway-Fallback", "true")
	return &http.Response{
		StatusCode:    p.cfg.FallbackStatus,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(100*(1<<(attempt-1))) * time.Millisecond
}

func isRetryable(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// maxDrainBytes caps how much of a discarded retry response is read to
// keep the connection reusable.
const maxDrainBytes = 64 << 10

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	body.Close()
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// hopHeaders are the hop-by-hop headers of RFC 7230 section 6.1. They are
// stripped from both the outbound request and the upstream response.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	clientIP, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	h.Set("X-Forwarded-For", clientIP)
}
