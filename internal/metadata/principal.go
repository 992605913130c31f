package metadata

import "context"

// Principal is the verified identity supplied by the external auth provider.
// The engine threads it through validation and execution for future row-level
// authorization but enforces no policy itself.
type Principal struct {
	UserID string
	Role   string
}

// Anonymous is the principal used when no credentials were presented.
var Anonymous = Principal{}

type principalCtxKey struct{}

// WithPrincipal attaches the caller's identity to the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFrom returns the identity carried by the context, or Anonymous.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalCtxKey{}).(Principal); ok {
		return p
	}
	return Anonymous
}
