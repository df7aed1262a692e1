package shared

import "context"

// Actor identifies the authenticated principal and its tenant. Tenant
// scoping is always explicit: every core operation takes the actor rather
// than resolving company from ambient state.
type Actor struct {
	ID        int64
	CompanyID int64
}

// Valid reports whether the actor carries both identities.
func (a Actor) Valid() bool {
	return a.ID != 0 && a.CompanyID != 0
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
