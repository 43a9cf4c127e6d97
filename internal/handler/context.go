package handler

import "context"

type contextKey struct{}

// Identity is the authenticated caller, populated by the auth middleware.
type Identity struct {
	UserID int64
	Email  string
	Token  string
}

// WithIdentity stores the caller identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext retrieves the caller identity from the context.
// The zero value means unauthenticated.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}
