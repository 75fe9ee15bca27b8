package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when no verified identity is attached to a request.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the authenticated caller. It is passed explicitly to every
// call operation; nothing reads "the current user" from process state.
type Identity struct {
	UserID string
	Name   string
	Role   string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil {
		return "", errors.New("user_id not in context")
	}
	return id.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.Role == "" {
		return "", errors.New("role not in context")
	}
	return id.Role, nil
}
