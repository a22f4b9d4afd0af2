// Package migrations applies the defstore schema to a storage pool.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// HistoryVersionConstraint names the uniqueness constraint that closes the
// duplicate-version race between concurrent writers. The repository matches
// violations of it by name.
const HistoryVersionConstraint = "definitions_history_id_version_key"

// statements are idempotent and applied in order on every startup, once per
// pool. History is append-only: no migration may ever alter or truncate
// definitions_history.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS definitions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		body JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		last_modified_at BIGINT NOT NULL,
		last_modified_by TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS definitions_type_id_idx
		ON definitions (type, id)`,
	`CREATE TABLE IF NOT EXISTS definitions_history (
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		body JSONB,
		last_modified_at BIGINT NOT NULL,
		version INT NOT NULL CHECK (version > 0),
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		CONSTRAINT definitions_history_id_version_key UNIQUE (id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS definitions_history_id_idx
		ON definitions_history (id)`,
}

// Apply executes all schema statements against db.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Count returns the number of schema statements. Exposed for tests.
func Count() int { return len(statements) }
