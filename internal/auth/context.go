// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the chat user via context

package auth

import (
	"context"
)

// AnonymousUserID identifies requests when authentication is disabled.
const AnonymousUserID = "anonymous"

// AuthContext holds the authenticated identity extracted from a request.
// This is populated by the HTTP middleware and can be retrieved in handlers.
type AuthContext struct {
	UserID    string
	Anonymous bool // true when the server runs without a JWT secret
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

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

// UserID returns the authenticated user ID, or "" if ctx carries none.
func UserID(ctx context.Context) string {
	if auth := FromContext(ctx); auth != nil {
		return auth.UserID
	}
	return ""
}
