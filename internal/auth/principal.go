package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the management API. "*" grants everything; a :rw
// scope implies its :ro counterpart.
const (
	ScopeCommandsRO = "commands:ro"
	ScopeCommandsRW = "commands:rw"
	ScopeEventsRO   = "events:ro"
	ScopeAdmin      = "admin"
)

type Principal struct {
	Name   string
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing credentials")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthenticateAPIKey matches the presented credential against the legacy
// static API key. A match authenticates as admin with scope "*".
func AuthenticateAPIKey(presented, configured string) (Principal, bool) {
	if !constantTimeEqual(presented, configured) {
		return Principal{}, false
	}
	return Principal{
		Name:   "api-key",
		Scopes: map[string]struct{}{"*": {}},
	}, true
}

// FromOperatorClaims builds a Principal from validated JWT claims.
func FromOperatorClaims(claims *OperatorClaims) Principal {
	return Principal{
		Name:   claims.Subject,
		Scopes: NormalizeScopes(claims.Scopes),
	}
}

func NormalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Write implies read for well-known resources.
	if _, ok := out[ScopeCommandsRW]; ok {
		out[ScopeCommandsRO] = struct{}{}
	}
	if _, ok := out["events:rw"]; ok {
		out[ScopeEventsRO] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes["*"]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
