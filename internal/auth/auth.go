// Package auth provides JWT Bearer token validation for routes that
// require it. The guard wraps terminal route handlers; a rejected request
// surfaces as a typed error that the server maps to 401 or 403.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/route"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims represents the validated JWT claims injected into the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// ClaimsFromContext returns the claims a passed guard stored on the
// request, or nil when the request never went through one.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ClaimsKey).(*Claims)
	return c
}

// TokenReason classifies why a token was rejected.
type TokenReason string

const (
	ReasonMissing TokenReason = "missing_token"
	ReasonInvalid TokenReason = "invalid_token"
)

// TokenError indicates the request carried no usable Bearer token. The
// server maps it to 401.
type TokenError struct {
	Reason TokenReason
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

// ScopeError indicates the token is valid but lacks required scopes. The
// server maps it to 403.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// Guard validates Bearer tokens for the routes it wraps.
type Guard struct {
	cfg    config.AuthConfig
	logger *slog.Logger
}

// New creates a Guard from the auth configuration.
func New(cfg config.AuthConfig, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger}
}

// Wrap returns a handler that admits the request to h only with a valid
// token. When auth is globally disabled the handler is returned unchanged,
// so wrapping is always safe for the route builder.
func (g *Guard) Wrap(h route.Handler) route.Handler {
	if !g.cfg.Enabled {
		return h
	}
	return func(r *http.Request) (*http.Response, error) {
		tokenStr, ok := extractBearerToken(r)
		if !ok {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			return nil, &TokenError{Reason: ReasonMissing}
		}

		claims, err := validateToken(tokenStr, g.cfg)
		if err != nil {
			g.logger.Warn("auth failure", "error", err, "path", r.URL.Path)
			var se *ScopeError
			if errors.As(err, &se) {
				metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
				return nil, se
			}
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			return nil, &TokenError{Reason: ReasonInvalid, Err: err}
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		return h(r.WithContext(ctx))
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func validateToken(tokenStr string, cfg config.AuthConfig) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := mapClaims["iss"].(string); ok {
		claims.Issuer = iss
	}

	// The aud claim may be a bare string or a list.
	switch aud := mapClaims["aud"].(type) {
	case string:
		claims.Audience = aud
	case []interface{}:
		if len(aud) > 0 {
			if s, ok := aud[0].(string); ok {
				claims.Audience = s
			}
		}
	}

	// The scope claim is a space-separated string.
	if scopeStr, ok := mapClaims["scope"].(string); ok {
		claims.Scopes = strings.Fields(scopeStr)
	}

	if len(cfg.Scopes) > 0 {
		scopeSet := make(map[string]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			scopeSet[s] = true
		}
		for _, required := range cfg.Scopes {
			if !scopeSet[required] {
				return nil, &ScopeError{MissingScope: required}
			}
		}
	}

	return claims, nil
}
