// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey struct{}

// Option configures the middleware.
type Option func(*config)

type config struct {
	queryParam string
	realm      string
}

// WithQueryParam also accepts the token from the named query parameter.
// Browsers cannot set headers on websocket upgrades, so the status feed
// needs this.
func WithQueryParam(name string) Option {
	return func(c *config) { c.queryParam = name }
}

// WithRealm sets the realm advertised in WWW-Authenticate.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// BearerToken returns middleware that accepts a single token. Authenticated
// requests carry the principal "api".
func BearerToken(token string, opts ...Option) func(http.Handler) http.Handler {
	return BearerTokens(map[string]string{"api": token}, opts...)
}

// BearerTokens returns middleware that accepts any of the given tokens, keyed
// by principal name. Comparison is constant-time per token. Empty tokens are
// ignored; with none configured every request is refused.
func BearerTokens(tokens map[string]string, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{realm: "herald"}
	for _, o := range opts {
		o(&cfg)
	}

	type entry struct {
		principal string
		token     []byte
	}
	var accepted []entry
	for p, t := range tokens {
		if t != "" {
			accepted = append(accepted, entry{principal: p, token: []byte(t)})
		}
	}

	challenge := `Bearer realm="` + cfg.realm + `"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := extract(r, cfg.queryParam)
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge)
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			principal := ""
			for _, e := range accepted {
				// No early exit, so timing does not reveal which entry matched.
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					principal = e.principal
				}
			}
			if principal == "" {
				w.Header().Set("WWW-Authenticate", challenge+`, error="invalid_token"`)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, principal)))
		})
	}
}

// Principal returns the authenticated principal name, or "" for requests that
// did not pass through the middleware.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(ctxKey{}).(string)
	return p
}

func extract(r *http.Request, queryParam string) ([]byte, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return nil, false
		}
		return []byte(auth[len("Bearer "):]), true
	}
	if queryParam != "" {
		if v := r.URL.Query().Get(queryParam); v != "" {
			return []byte(v), true
		}
	}
	return nil, false
}
