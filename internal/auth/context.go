// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// AuthContext holds the authenticated identity of an HTTP request or a
// channel connection.
type AuthContext struct {
	PrincipalID string   // "sub" of the verified token
	Roles       []string // token roles merged with stored roles, sorted
}

// IsAdmin returns true if the principal has admin or owner role.
func (a *AuthContext) IsAdmin() bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Roles, "admin") || slices.Contains(a.Roles, "owner")
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// PrincipalID returns the authenticated principal, or "anonymous".
func PrincipalID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.PrincipalID
	}
	return "anonymous"
}
