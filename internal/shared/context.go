package shared

import "context"

// Principal describes the verified caller identity injected by the upstream
// gateway. Authentication happens there; this service only consumes the
// result.
type Principal struct {
	UserID   string
	TenantID string
	Admin    bool
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
