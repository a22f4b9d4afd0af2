// Package storage defines the definition store contract shared by the
// postgres and in-memory implementations.
package storage

import (
	"context"
	"time"

	"github.com/defstore-io/defstore/internal/definition"
)

// AnonymousActor is recorded as last_modified_by when no actor identity is
// available for a write.
const AnonymousActor = "anonymous"

// DefinitionStore persists definitions and their revision history. Every
// operation is scoped to one named pool for its entire duration.
//
// Single-entity operations propagate decode and storage failures unfiltered;
// absence on reads is reported as a nil definition, not an error. Listing
// recovers from per-row decode failures by excluding the row.
type DefinitionStore interface {
	// GetByName returns the current state of a definition, or nil when no
	// current row exists.
	GetByName(ctx context.Context, pool, name string) (definition.Definition, error)

	// ListByType returns all current definitions of the given type in
	// ascending name order.
	ListByType(ctx context.Context, pool, defType string) ([]definition.Definition, error)

	// ListByTypePage returns at most limit definitions of the given type
	// whose names are >= startingName (when non-empty), ascending by name.
	// Chaining calls with the last returned name enumerates every matching
	// row exactly once.
	ListByTypePage(ctx context.Context, pool, defType string, limit int, startingName string) ([]definition.Definition, error)

	// Create inserts a new definition and its version-1 history row.
	// Returns an error wrapping ErrAlreadyExists when the name is taken.
	Create(ctx context.Context, pool string, def definition.Definition) error

	// Update replaces the full body of an existing definition and appends
	// the next history row. Updating a nonexistent name is a no-op.
	Update(ctx context.Context, pool string, def definition.Definition) error

	// Delete removes the current row and appends a tombstone history row.
	// Deleting a nonexistent name is a no-op.
	Delete(ctx context.Context, pool, name string) error

	// RevisionHistory returns every history row for name, newest version
	// first. Tombstones carry a nil definition.
	RevisionHistory(ctx context.Context, pool, name string) ([]definition.Revision, error)
}

// Clock supplies write timestamps in epoch milliseconds.
type Clock interface {
	NowMillis() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }
