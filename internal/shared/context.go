package shared

import "context"

// Actor is the authenticated caller as asserted by the upstream gateway.
type Actor struct {
	UserID   string
	TenantID string
	// Role is the primary role code carried by the access token. It is only
	// consulted for the bypass roles; capabilities come from role memberships.
	Role string
}

// Authenticated reports whether both identity and tenant are present.
func (a Actor) Authenticated() bool {
	return a.UserID != "" && a.TenantID != ""
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || !actor.Authenticated() {
		return Actor{}, false
	}
	return actor, true
}
