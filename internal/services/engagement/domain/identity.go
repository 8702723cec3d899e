package domain

import "context"

type userIDContextKey struct{}

// WithUser attaches the authenticated caller's user id to the context.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// ContextIdentity resolves the caller from the request context. The
// surrounding request layer is responsible for populating it.
type ContextIdentity struct{}

// UserID returns the context's user id or ErrNotAuthenticated.
func (ContextIdentity) UserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey{}).(string)
	if !ok || userID == "" {
		return "", ErrNotAuthenticated
	}
	return userID, nil
}
