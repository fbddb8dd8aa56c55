package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routegate/routegate/internal/circuitbreaker"
	"github.com/routegate/routegate/internal/config"
)

func newTestProxy(t *testing.T, bc *config.BackendConfig, ln lineage) *proxyRoute {
	t.Helper()
	if bc.TimeoutMs == 0 {
		bc.TimeoutMs = 5000
	}
	b := &builder{
		cfg: &config.Config{
			CircuitBreaker: config.CircuitBreakerConfig{
				WindowSize:       10,
				FailureThreshold: 0.5,
				ResetTimeout:     30 * time.Second,
				HalfOpenMax:      2,
			},
		},
		logger:   slog.Default(),
		breakers: make(map[string]*circuitbreaker.CompositeBreaker),
	}
	p, err := b.newProxyRoute(bc, "/api/test", ln)
	if err != nil {
		t.Fatalf("building proxy route: %v", err)
	}
	return p
}

func rootLineage() lineage {
	return lineage{depth: 1, literalOK: true}
}

func TestProxy_ForwardsRequest(t *testing.T) {
	var gotPath, gotQuery, gotHost, gotSource, gotXFF string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Host
		gotSource = r.Header.Get("X-Source")
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:     backend.URL,
		Headers: map[string]string{"X-Source": "gateway"},
	}, rootLineage())

	r := httptest.NewRequest("GET", "http://gateway.local/api/test?page=2", nil)
	resp, err := p.handle(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := readBody(t, resp); body != "ok" {
		t.Errorf("expected body ok, got %q", body)
	}
	if gotPath != "/api/test" {
		t.Errorf("expected upstream path /api/test, got %q", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("expected query page=2, got %q", gotQuery)
	}
	if gotHost != "gateway.local" {
		t.Errorf("expected original Host preserved, got %q", gotHost)
	}
	if gotSource != "gateway" {
		t.Errorf("expected injected X-Source=gateway, got %q", gotSource)
	}
	if gotXFF != "192.0.2.1" {
		t.Errorf("expected X-Forwarded-For=192.0.2.1, got %q", gotXFF)
	}
}

func TestProxy_AppendsForwardedFor(t *testing.T) {
	var gotXFF string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{URL: backend.URL}, rootLineage())

	r := httptest.NewRequest("GET", "/api/test", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	resp, err := p.handle(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotXFF != "10.0.0.1, 192.0.2.1" {
		t.Errorf("expected appended X-Forwarded-For, got %q", gotXFF)
	}
}

func TestProxy_StripPrefix(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:         backend.URL,
		StripPrefix: true,
	}, lineage{depth: 2, literalOK: true, literal: "/api/v1/"})

	r := httptest.NewRequest("GET", "/api/v1/users/42", nil)
	resp, err := p.handle(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/users/42" {
		t.Errorf("expected stripped path /users/42, got %q", gotPath)
	}
}

func TestProxy_RetriesOn502(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "recovered")
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:           backend.URL,
		RetryAttempts: 2,
	}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retries, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "recovered" {
		t.Errorf("expected body recovered, got %q", body)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestProxy_FinalRetryableStatusPassedThrough(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:           backend.URL,
		RetryAttempts: 1,
	}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected final 503 passed through, got %d", resp.StatusCode)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestProxy_FallbackWhenUnreachable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	burl := backend.URL
	backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:            burl,
		FallbackStatus: 200,
		FallbackBody:   "degraded mode",
	}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected fallback 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway-Fallback"); got != "true" {
		t.Errorf("expected X-Gateway-Fallback=true, got %q", got)
	}
	if body := readBody(t, resp); body != "degraded mode" {
		t.Errorf("expected fallback body, got %q", body)
	}
}

func TestProxy_FallbackAfterRetryableStatus(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:            backend.URL,
		RetryAttempts:  1,
		FallbackStatus: 200,
		FallbackBody:   "degraded mode",
	}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected fallback 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "degraded mode" {
		t.Errorf("expected fallback body, got %q", body)
	}
	if hits.Load() != 2 {
		t.Errorf("expected retries before fallback, got %d attempts", hits.Load())
	}
}

func TestProxy_UpstreamErrorWithoutFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	burl := backend.URL
	backend.Close()

	p := newTestProxy(t, &config.BackendConfig{URL: burl}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if resp != nil {
		t.Error("expected nil response")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Backend != burl {
		t.Errorf("expected backend %q in error, got %q", burl, ue.Backend)
	}
}

func TestProxy_CircuitOpenRejects(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{URL: backend.URL}, rootLineage())

	// Fill the window with failures to open the circuit.
	for i := 0; i < 10; i++ {
		p.breaker.RecordFailure(time.Millisecond)
	}

	_, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no upstream attempts with open circuit, got %d", hits.Load())
	}
}

func TestProxy_TimeoutSurfacesDeadline(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:       backend.URL,
		TimeoutMs: 50,
	}, rootLineage())

	_, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
}

func TestProxy_RedirectPassedThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{URL: backend.URL}, rootLineage())

	resp, err := p.handle(httptest.NewRequest("GET", "/api/test", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302 passed through, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/next" {
		t.Errorf("expected Location /next, got %q", got)
	}
}

func TestProxy_BodyReplayedOnRetry(t *testing.T) {
	var hits atomic.Int32
	bodies := make(chan string, 2)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{
		URL:           backend.URL,
		RetryAttempts: 1,
	}, rootLineage())

	r := httptest.NewRequest("POST", "/api/test", strings.NewReader("payload"))
	resp, err := p.handle(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	close(bodies)

	n := 0
	for b := range bodies {
		n++
		if b != "payload" {
			t.Errorf("attempt %d: expected body payload, got %q", n, b)
		}
	}
	if n != 2 {
		t.Errorf("expected body sent on both attempts, got %d", n)
	}
}

func TestProxy_HopByHopRequestHeadersStripped(t *testing.T) {
	var gotDropMe, gotKeepAlive, gotStays string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDropMe = r.Header.Get("X-Drop-Me")
		gotKeepAlive = r.Header.Get("Keep-Alive")
		gotStays = r.Header.Get("X-Stays")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, &config.BackendConfig{URL: backend.URL}, rootLineage())

	r := httptest.NewRequest("GET", "/api/test", nil)
	r.Header.Set("Connection", "X-Drop-Me")
	r.Header.Set("X-Drop-Me", "secret")
	r.Header.Set("Keep-Alive", "timeout=5")
	r.Header.Set("X-Stays", "yes")
	resp, err := p.handle(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotDropMe != "" {
		t.Errorf("expected Connection-named header stripped, got %q", gotDropMe)
	}
	if gotKeepAlive != "" {
		t.Errorf("expected Keep-Alive stripped, got %q", gotKeepAlive)
	}
	if gotStays != "yes" {
		t.Errorf("expected end-to-end header kept, got %q", gotStays)
	}
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom-Hop, Foo")
	h.Set("X-Custom-Hop", "v")
	h.Set("Foo", "bar")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Keep", "stay")

	removeHopByHop(h)

	for _, name := range []string{"Connection", "X-Custom-Hop", "Foo", "Keep-Alive", "Transfer-Encoding"} {
		if got := h.Get(name); got != "" {
			t.Errorf("expected %s stripped, got %q", name, got)
		}
	}
	if got := h.Get("X-Keep"); got != "stay" {
		t.Errorf("expected X-Keep preserved, got %q", got)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"", "/users", "/users"},
		{"/base", "/users", "/base/users"},
		{"/base/", "/users", "/base/users"},
		{"/base", "users", "/base/users"},
		{"/base/", "", "/base/"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
