package storage

import (
	"errors"
	"fmt"
)

// ErrAlreadyExists is wrapped by Create when a current row already exists
// for the definition name. Callers match it with errors.Is so "already
// exists" stays distinguishable from generic storage failures.
var ErrAlreadyExists = errors.New("definition already exists")

// NewAlreadyExistsError wraps ErrAlreadyExists with the conflicting name.
func NewAlreadyExistsError(name string) error {
	return fmt.Errorf("definition %q: %w", name, ErrAlreadyExists)
}
