package auth

import (
	"context"
	"fmt"

	"github.com/keelhost/control-plane/internal/models"
)

// Actor is the authenticated identity performing a request.
type Actor struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.ID != ""
}

// CanRead reports whether actor may view svc. Public services are readable by everyone.
func CanRead(actor Actor, svc *models.Service) error {
	if svc.Visibility == models.VisibilityPublic {
		return nil
	}
	return CanMutate(actor, svc)
}

// CanMutate reports whether actor may change or operate svc: the owner or an admin.
func CanMutate(actor Actor, svc *models.Service) error {
	if actor.Admin || (actor.ID != "" && actor.ID == svc.OwnerID) {
		return nil
	}
	return fmt.Errorf("%w: service %s belongs to another user", models.ErrPermission, svc.Name)
}

// CanUseToken reports whether actor may use or delete a source-control token.
func CanUseToken(actor Actor, token *models.SourceToken) error {
	if actor.Admin || (actor.ID != "" && actor.ID == token.OwnerID) {
		return nil
	}
	return fmt.Errorf("%w: token %s belongs to another user", models.ErrPermission, token.Name)
}
