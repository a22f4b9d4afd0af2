package definition

import (
	"fmt"
	"sort"
	"strings"
)

// Factory allocates an empty definition of one kind, ready to be
// unmarshalled into.
type Factory func() Definition

// UnknownKindError reports a type discriminator with no registered factory.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown definition kind %q", e.Kind)
}

// Registry maps type discriminators to factories. All kinds are registered
// during startup; lookups at runtime never mutate it, so no locking is
// needed.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering an empty kind, a nil
// factory, or a kind twice is a startup bug and returns an error.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("registry: kind cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("registry: kind %s: factory cannot be nil", kind)
	}
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("registry: kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is Register for wiring code where a failure is fatal.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// New allocates an empty definition of the given kind.
func (r *Registry) New(kind string) (Definition, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return factory(), nil
}

// Kinds returns the registered discriminators in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
