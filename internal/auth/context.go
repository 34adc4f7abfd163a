package auth

import (
	"context"
	"errors"
)

// Identity is the verified caller of one API request.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

type identityKey struct{}

var errNoIdentity = errors.New("auth: no identity in context")

// WithIdentity attaches id to ctx. Only RequireAccessToken and tests call it.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity stored by RequireAccessToken.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.UserID != "" {
		return id.UserID, nil
	}
	return "", errNoIdentity
}

func WorkspaceID(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.WorkspaceID != "" {
		return id.WorkspaceID, nil
	}
	return "", errNoIdentity
}

func Role(ctx context.Context) (string, error) {
	if id, ok := IdentityFrom(ctx); ok && id.Role != "" {
		return id.Role, nil
	}
	return "", errNoIdentity
}
