package auth

import (
	"context"

	"github.com/google/uuid"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Identity is the resolved caller of an engine operation.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by the JWT middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
