// Package identity supplies the actor name recorded on definition writes.
package identity

import "context"

// Provider reports the actor performing the current operation. The second
// return value is false when no actor is known; the repository then records
// its anonymous sentinel.
type Provider interface {
	CurrentActor(ctx context.Context) (string, bool)
}

type contextKey struct{}

// WithActor returns a context carrying the given actor name.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, actor)
}

// ContextProvider reads the actor from the request context, where the HTTP
// layer places it.
type ContextProvider struct{}

func (ContextProvider) CurrentActor(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(contextKey{}).(string)
	if !ok || actor == "" {
		return "", false
	}
	return actor, true
}

// Static always reports the same actor. Intended for batch tooling and tests.
type Static string

func (s Static) CurrentActor(context.Context) (string, bool) {
	if s == "" {
		return "", false
	}
	return string(s), true
}
