package auth

import (
	"context"
	"fmt"

	"github.com/procurehq/vmp/pkg/api"
)

type contextKey string

const (
	actorKey contextKey = "actor"
)

// WithActor attaches an Actor to the context.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom retrieves the Actor from the context.
func ActorFrom(ctx context.Context) (*Actor, error) {
	a, ok := ctx.Value(actorKey).(*Actor)
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: no actor in context", api.ErrUnauthenticated)
	}
	return a, nil
}

// TenantID is a helper to get the tenant from the context's Actor.
func TenantID(ctx context.Context) (string, error) {
	a, err := ActorFrom(ctx)
	if err != nil {
		return "", err
	}
	return a.TenantID, nil
}

// RequireInternal returns the actor only when it is internal staff.
func RequireInternal(ctx context.Context) (*Actor, error) {
	a, err := ActorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if !a.Internal {
		return nil, fmt.Errorf("%w: internal staff only", api.ErrForbidden)
	}
	return a, nil
}
