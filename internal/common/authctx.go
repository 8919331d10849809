package common

import "context"

type ctxKey string

const ownerIDKey ctxKey = "auth/owner-id"

// WithOwnerID stores the authenticated merchant identifier on the provided context.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// OwnerID extracts the authenticated merchant identifier from the context if present.
func OwnerID(ctx context.Context) (string, bool) {
	v := ctx.Value(ownerIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
