package gateway

import (
	"context"
	"net/http"
)

// AuthContext captures request identity for rate limiting and audit logs.
type AuthContext struct {
	PrincipalID string
	Role        Role
	// Anonymous is set when auth is disabled and the caller presented no key.
	Anonymous bool
}

type authContextKey struct{}

// AuthProvider resolves the caller behind an HTTP request.
type AuthProvider interface {
	AuthenticateHTTP(r *http.Request) (*AuthContext, error)
	// Enabled reports whether requests must carry credentials.
	Enabled() bool
}

func authFromContext(ctx context.Context) *AuthContext {
	if ctx == nil {
		return nil
	}
	if raw := ctx.Value(authContextKey{}); raw != nil {
		if auth, ok := raw.(*AuthContext); ok {
			return auth
		}
	}
	return nil
}

func authFromRequest(r *http.Request) *AuthContext {
	if r == nil {
		return nil
	}
	return authFromContext(r.Context())
}
