// Package config provides YAML configuration loading with validation and
// environment variable substitution for the routing gateway.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxRouteDepth bounds route-tree nesting so a pathological config cannot
// drive validation or request dispatch into unbounded recursion.
const maxRouteDepth = 32

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// LoggingConfig holds access log output and debug settings.
type LoggingConfig struct {
	Output          string `yaml:"output" json:"output"`                          // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`               // max log file size before rotation; default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`               // number of rotated files to keep; default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days"`             // max days to retain rotated files; default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // log request/response bodies; default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // max bytes of body to log; default: 4096
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
}

// AuthConfig holds JWT authentication settings.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// RouteConfig defines one node of the route tree. Exactly one behavior
// block must be set: respond answers the request in place, backend
// proxies it upstream, upgrade reserves the path for a protocol upgrade,
// and routes delegates the unmatched remainder of the path to a nested
// table. Path is a template; {name} segments capture one path segment
// each. Nested paths are written relative to whatever the parent's
// template left unconsumed.
type RouteConfig struct {
	Path         string   `yaml:"path" json:"path"`
	Methods      []string `yaml:"methods" json:"methods,omitempty"`         // respond/backend only; empty admits every method
	AuthRequired bool     `yaml:"auth_required" json:"auth_required"`       // on a delegating node, inherited by the whole subtree
	LogLevel     string   `yaml:"log_level" json:"log_level"`               // "debug", "info", "warn", "error", "none"; default: "info"; inherited under delegating nodes

	Respond *RespondConfig `yaml:"respond" json:"respond,omitempty"`
	Backend *BackendConfig `yaml:"backend" json:"backend,omitempty"`
	Upgrade *UpgradeConfig `yaml:"upgrade" json:"upgrade,omitempty"`
	Routes  []RouteConfig  `yaml:"routes" json:"routes,omitempty"`
}

// Behavior names the configured behavior block, for error messages and
// the admin route dump.
func (r *RouteConfig) Behavior() string {
	switch {
	case r.Respond != nil:
		return "respond"
	case r.Backend != nil:
		return "backend"
	case r.Upgrade != nil:
		return "upgrade"
	case len(r.Routes) > 0:
		return "delegate"
	default:
		return "none"
	}
}

// RespondConfig configures a terminal route that answers in place,
// without an upstream.
type RespondConfig struct {
	Status      int               `yaml:"status" json:"status"`             // default: 200
	Body        string            `yaml:"body" json:"body"`
	ContentType string            `yaml:"content_type" json:"content_type"` // default: text/plain; charset=utf-8
	Headers     map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// BackendConfig configures a terminal route that proxies upstream.
type BackendConfig struct {
	URL            string                `yaml:"url" json:"url"`
	StripPrefix    bool                  `yaml:"strip_prefix" json:"strip_prefix"` // forward only the path the ancestors left unconsumed
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"`
	RetryAttempts  int                   `yaml:"retry_attempts" json:"retry_attempts"`
	Headers        map[string]string     `yaml:"headers" json:"headers,omitempty"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
	FallbackStatus int                   `yaml:"fallback_status" json:"fallback_status"`
	FallbackBody   string                `yaml:"fallback_body" json:"fallback_body"`
}

// Timeout returns the backend timeout as a time.Duration.
func (b BackendConfig) Timeout() time.Duration {
	if b.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// UpgradeConfig configures a route reserved for a protocol upgrade.
// Dispatch to such a route is refused until upgrade support exists; the
// target is validated now so the config does not rot in the meantime.
type UpgradeConfig struct {
	Backend string `yaml:"backend" json:"backend"`
}

// ValidLogLevels are the accepted log level strings for routes.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

// CircuitBreakerConfig holds circuit breaker settings applied to all backends.
type CircuitBreakerConfig struct {
	WindowSize       int           `yaml:"window_size" json:"window_size"`
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max" json:"half_open_max"`
	SlowThreshold    time.Duration `yaml:"slow_threshold" json:"slow_threshold"`
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`
	Adaptive         bool          `yaml:"adaptive" json:"adaptive"`
	LatencyCeiling   time.Duration `yaml:"latency_ceiling" json:"latency_ceiling"`
	MinThreshold     float64       `yaml:"min_threshold" json:"min_threshold"`
}

// ConnectionPoolConfig holds per-backend HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.WindowSize == 0 {
		cb.WindowSize = 10
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 0.5
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30 * time.Second
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = 2
	}
	if cb.Adaptive && cb.LatencyCeiling == 0 {
		cb.LatencyCeiling = 2 * time.Second
	}
	if cb.Adaptive && cb.MinThreshold == 0 {
		cb.MinThreshold = 0.2
	}

	for i := range cfg.Routes {
		applyRouteDefaults(&cfg.Routes[i])
	}
}

func applyRouteDefaults(r *RouteConfig) {
	if r.Respond != nil {
		if r.Respond.Status == 0 {
			r.Respond.Status = 200
		}
		if r.Respond.ContentType == "" {
			r.Respond.ContentType = "text/plain; charset=utf-8"
		}
	}
	if r.Backend != nil && r.Backend.TimeoutMs == 0 {
		r.Backend.TimeoutMs = 30000
	}
	for i := range r.Routes {
		applyRouteDefaults(&r.Routes[i])
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.WindowSize < 1 {
		return fmt.Errorf("circuit_breaker.window_size must be positive")
	}
	if cb.FailureThreshold <= 0 || cb.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be between 0 (exclusive) and 1 (inclusive)")
	}
	if cb.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	if cb.HalfOpenMax < 1 {
		return fmt.Errorf("circuit_breaker.half_open_max must be positive")
	}
	if cb.SlowThreshold < 0 {
		return fmt.Errorf("circuit_breaker.slow_threshold must be non-negative")
	}
	if cb.MaxConcurrent < 0 {
		return fmt.Errorf("circuit_breaker.max_concurrent must be non-negative")
	}
	if cb.Adaptive {
		if cb.MinThreshold <= 0 || cb.MinThreshold >= cb.FailureThreshold {
			return fmt.Errorf("circuit_breaker.min_threshold must be between 0 and failure_threshold")
		}
		if cb.LatencyCeiling <= 0 {
			return fmt.Errorf("circuit_breaker.latency_ceiling must be positive when adaptive is enabled")
		}
	}

	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	// Logging validation
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		pos := fmt.Sprintf("routes[%d]", i)
		if r.Path == "" {
			return fmt.Errorf("%s.path is required", pos)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("%s.path must start with /", pos)
		}
		if err := validateRoute(r, pos, 1, false); err != nil {
			return err
		}
	}
	if err := checkSiblingPaths(cfg.Routes, "routes"); err != nil {
		return err
	}

	return nil
}

// checkSiblingPaths rejects sibling routes that share a path template
// unless each declares a non-empty method set disjoint from the others.
// Dispatch is first-match-wins, so a shared path without disjoint methods
// means the later sibling can never be reached.
func checkSiblingPaths(routes []RouteConfig, pos string) error {
	for i := range routes {
		for j := 0; j < i; j++ {
			if routes[i].Path != routes[j].Path {
				continue
			}
			if len(routes[i].Methods) == 0 || len(routes[j].Methods) == 0 {
				return fmt.Errorf("%s: duplicate route path %q: shared paths need disjoint method sets", pos, routes[i].Path)
			}
			for _, mi := range routes[i].Methods {
				for _, mj := range routes[j].Methods {
					if strings.EqualFold(mi, mj) {
						return fmt.Errorf("%s: duplicate route path %q: method %s claimed twice", pos, routes[i].Path, strings.ToUpper(mi))
					}
				}
			}
		}
	}
	return nil
}

// validateRoute checks one route-tree node and recurses into its children.
// Only top-level paths must start with "/"; nested paths match whatever
// remainder the parent leaves, which usually has no leading slash.
// paramAbove tracks whether any ancestor template captures a parameter;
// strip_prefix needs the ancestor chain to be literal so the consumed
// prefix is known statically.
func validateRoute(r *RouteConfig, pos string, depth int, paramAbove bool) error {
	if depth > maxRouteDepth {
		return fmt.Errorf("%s: route tree deeper than %d levels", pos, maxRouteDepth)
	}

	blocks := 0
	if r.Respond != nil {
		blocks++
	}
	if r.Backend != nil {
		blocks++
	}
	if r.Upgrade != nil {
		blocks++
	}
	if len(r.Routes) > 0 {
		blocks++
	}
	if blocks != 1 {
		return fmt.Errorf("%s: exactly one of respond, backend, upgrade or routes must be set", pos)
	}

	if len(r.Methods) > 0 && r.Respond == nil && r.Backend == nil {
		return fmt.Errorf("%s.methods: method restrictions apply only to respond and backend routes", pos)
	}
	if !ValidLogLevels[r.LogLevel] {
		return fmt.Errorf("%s.log_level must be one of debug, info, warn, error, none; got %q", pos, r.LogLevel)
	}

	if r.Respond != nil {
		if r.Respond.Status < 200 || r.Respond.Status > 599 {
			return fmt.Errorf("%s.respond.status must be between 200 and 599", pos)
		}
	}

	if r.Backend != nil {
		if err := validateBackendURL(r.Backend.URL, pos+".backend.url", false); err != nil {
			return err
		}
		if r.Backend.StripPrefix && paramAbove {
			return fmt.Errorf("%s.backend.strip_prefix: ancestor path templates must be literal (no {param} segments)", pos)
		}
		if r.Backend.RetryAttempts < 0 {
			return fmt.Errorf("%s.backend.retry_attempts must be non-negative", pos)
		}
		if r.Backend.FallbackStatus != 0 && (r.Backend.FallbackStatus < 200 || r.Backend.FallbackStatus > 599) {
			return fmt.Errorf("%s.backend.fallback_status must be between 200 and 599", pos)
		}
		if cp := r.Backend.ConnectionPool; cp != nil {
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("%s.backend.connection_pool.max_idle_conns must be non-negative", pos)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("%s.backend.connection_pool.max_idle_per_host must be non-negative", pos)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("%s.backend.connection_pool.idle_timeout must be non-negative", pos)
			}
		}
	}

	if r.Upgrade != nil {
		if err := validateBackendURL(r.Upgrade.Backend, pos+".upgrade.backend", true); err != nil {
			return err
		}
	}

	childParamAbove := paramAbove || strings.Contains(r.Path, "{")
	for i := range r.Routes {
		child := &r.Routes[i]
		childPos := fmt.Sprintf("%s.routes[%d]", pos, i)
		if child.Path == "" {
			return fmt.Errorf("%s.path is required", childPos)
		}
		if err := validateRoute(child, childPos, depth+1, childParamAbove); err != nil {
			return err
		}
	}
	if len(r.Routes) > 0 {
		if err := checkSiblingPaths(r.Routes, pos); err != nil {
			return err
		}
	}

	return nil
}

// validateBackendURL checks an upstream URL. Upgrade targets may also use
// the ws/wss schemes.
func validateBackendURL(raw, pos string, allowWS bool) error {
	if raw == "" {
		return fmt.Errorf("%s is required", pos)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", pos, err)
	}
	ok := u.Scheme == "http" || u.Scheme == "https"
	if allowWS {
		ok = ok || u.Scheme == "ws" || u.Scheme == "wss"
	}
	if !ok {
		if allowWS {
			return fmt.Errorf("%s: scheme must be http, https, ws or wss, got %q", pos, u.Scheme)
		}
		return fmt.Errorf("%s: scheme must be http or https, got %q", pos, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", pos)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	for i := range cfg.Routes {
		warnings = routeWarnings(&cfg.Routes[i], fmt.Sprintf("routes[%d]", i), warnings)
	}
	return warnings
}

// routeWarnings flags configurations that load fine but rarely mean what
// the author intended.
func routeWarnings(r *RouteConfig, pos string, warnings []string) []string {
	if r.Upgrade != nil {
		warnings = append(warnings, fmt.Sprintf("%s: upgrade routes are refused at dispatch; upgrade support is not implemented", pos))
	}
	consumesSeparator := strings.HasSuffix(r.Path, "/")
	for i := range r.Routes {
		child := &r.Routes[i]
		childPos := fmt.Sprintf("%s.routes[%d]", pos, i)
		if consumesSeparator && strings.HasPrefix(child.Path, "/") {
			warnings = append(warnings, fmt.Sprintf("%s: parent path %q consumes the separator, so a child path starting with / is almost never reachable", childPos, r.Path))
		}
		warnings = routeWarnings(child, childPos, warnings)
	}
	return warnings
}

// Backends returns every proxy upstream URL in the route tree, deduplicated,
// in first-appearance order. Upgrade targets are excluded: they are never
// dialed while upgrade dispatch is refused.
func (c *Config) Backends() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(routes []RouteConfig)
	walk = func(routes []RouteConfig) {
		for i := range routes {
			r := &routes[i]
			if r.Backend != nil && !seen[r.Backend.URL] {
				seen[r.Backend.URL] = true
				out = append(out, r.Backend.URL)
			}
			walk(r.Routes)
		}
	}
	walk(c.Routes)
	return out
}

// RouteCount returns the number of nodes in the route tree, by kind
// ("respond", "backend", "upgrade", "delegate"). Used for the reload log
// line and the admin summary.
func (c *Config) RouteCount() map[string]int {
	counts := make(map[string]int)
	var walk func(routes []RouteConfig)
	walk = func(routes []RouteConfig) {
		for i := range routes {
			r := &routes[i]
			counts[r.Behavior()]++
			walk(r.Routes)
		}
	}
	walk(c.Routes)
	return counts
}
