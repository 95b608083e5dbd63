package shared

import "context"

// Actor identifies the user performing an operation.
type Actor struct {
	ID          int64
	Name        string
	Permissions []string
}

// Can reports whether the actor holds permission.
func (a Actor) Can(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission || p == PermAll {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The zero Actor is returned when absent.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
