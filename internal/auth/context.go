// ABOUTME: Authentication context carried through request handlers
// ABOUTME: WithAuth/FromContext propagate the caller and acting chat user

package auth

import "context"

// AuthContext identifies the caller of a request.
type AuthContext struct {
	Subject string // token subject: runner id or API client name
	Kind    Kind
	ActorID string // chat user the API caller acts for; empty for runners
}

// Anonymous is attached when authentication is disabled.
func Anonymous(kind Kind) *AuthContext {
	return &AuthContext{Subject: "anonymous", Kind: kind}
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// ActorFromContext returns the acting chat user, or "" when unknown.
func ActorFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.ActorID
	}
	return ""
}
