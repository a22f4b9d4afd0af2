// Package definition models the named, typed configuration and credential
// records managed by the repository, and their wire encoding.
package definition

import (
	"context"

	"github.com/defstore-io/defstore/internal/secretstore"
)

// Definition is a named, typed record. Concrete kinds carry their own
// type-specific fields and are serialized opaquely by the Codec.
type Definition interface {
	// DefinitionName returns the unique identity key of the record.
	DefinitionName() string
	// Kind returns the type discriminator used for polymorphic decoding.
	Kind() string
}

// SecretBearer is implemented by kinds whose fields may hold secret
// references. ResolveSecrets replaces each reference with its plaintext
// value; it is invoked by the Codec after decoding.
type SecretBearer interface {
	ResolveSecrets(ctx context.Context, r secretstore.Resolver) error
}

// Revision is a read-only projection of one history row.
type Revision struct {
	// Version is the per-name monotonically increasing sequence number.
	Version int `json:"version"`
	// LastModifiedAt is the write timestamp in epoch milliseconds.
	LastModifiedAt int64 `json:"lastModifiedAt"`
	// Deleted marks a tombstone; Definition is nil in that case.
	Deleted bool `json:"deleted"`
	// Definition is the record state at this version, absent for
	// tombstones.
	Definition Definition `json:"definition,omitempty"`
}
