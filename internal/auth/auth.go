// Package auth guards the client sidecar with JWT Bearer validation and
// signs the short-lived service tokens the client presents to the backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/config"
	"github.com/dskow/resilient-client/internal/metrics"
	"github.com/dskow/resilient-client/internal/route"
)

type contextKey string

// ClaimsKey is the context key used to store validated JWT claims.
const ClaimsKey contextKey = "jwt_claims"

// Scopes granted to sidecar callers when verb scopes are enabled.
const (
	ScopeRead  = "call:read"
	ScopeWrite = "call:write"
)

// Claims identify the service calling the sidecar.
type Claims struct {
	// Service is the token subject: the calling service's name.
	Service   string    `json:"service"`
	Issuer    string    `json:"iss"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"exp"`
}

// Has reports whether the caller was granted scope.
func (c *Claims) Has(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// callerClaims is the token body: registered claims plus a space separated
// scope list.
type callerClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// ClaimsFrom returns the caller claims stored by Middleware, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// Middleware validates Bearer tokens on every sidecar path except the
// configured public prefixes. It is a pass-through when auth is disabled.
func Middleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isPublic(r.URL.Path, cfg.PublicPaths) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := parseToken(tokenStr, cfg)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, err.Error())
				return
			}
			if missing := missingScope(claims, requiredScopes(cfg, r.Method)); missing != "" {
				se := &ScopeError{Service: claims.Service, Verb: r.Method, MissingScope: missing}
				logger.Warn("auth failure", "error", se, "path", r.URL.Path)
				metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
				apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthScope, se.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if route.MatchesPrefix(path, p) {
			return true
		}
	}
	return false
}

func extractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func parseToken(tokenStr string, cfg config.AuthConfig) (*Claims, error) {
	var cc callerClaims
	_, err := jwt.ParseWithClaims(tokenStr, &cc, func(*jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if cc.Subject == "" {
		return nil, errors.New("invalid token: no calling service in sub")
	}

	claims := &Claims{
		Service: cc.Subject,
		Issuer:  cc.Issuer,
		Scopes:  strings.Fields(cc.Scope),
	}
	if cc.ExpiresAt != nil {
		claims.ExpiresAt = cc.ExpiresAt.Time
	}
	return claims, nil
}

// requiredScopes lists the scopes a call with method needs.
func requiredScopes(cfg config.AuthConfig, method string) []string {
	if !cfg.VerbScopes {
		return cfg.Scopes
	}
	verb := ScopeWrite
	if method == http.MethodGet || method == http.MethodHead {
		verb = ScopeRead
	}
	return append(slices.Clip(cfg.Scopes), verb)
}

func missingScope(c *Claims, required []string) string {
	for _, s := range required {
		if !c.Has(s) {
			return s
		}
	}
	return ""
}

// ScopeError is a valid token whose service may not make this call.
type ScopeError struct {
	Service      string
	Verb         string
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("service %q needs scope %s for %s calls", e.Service, e.MissingScope, e.Verb)
}
