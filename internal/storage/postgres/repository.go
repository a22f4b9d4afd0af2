// Package postgres implements the definition store against PostgreSQL,
// maintaining the current table and the append-only history table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/identity"
	"github.com/defstore-io/defstore/internal/metrics"
	"github.com/defstore-io/defstore/internal/platform/migrations"
	"github.com/defstore-io/defstore/internal/secretstore"
	"github.com/defstore-io/defstore/internal/storage"
	"github.com/defstore-io/defstore/internal/storage/pool"
	"github.com/defstore-io/defstore/pkg/logger"
)

// maxWriteAttempts bounds retries when two writers race on the same name and
// one trips the history (id, version) uniqueness constraint.
const maxWriteAttempts = 3

const (
	getByNameQuery = `
		SELECT body FROM definitions WHERE id = $1`

	listByTypeQuery = `
		SELECT id, body FROM definitions
		WHERE type = $1 AND ($2 = '' OR id >= $2)
		ORDER BY id ASC`

	listByTypePageQuery = listByTypeQuery + `
		LIMIT $3`

	lockCurrentQuery = `
		SELECT id FROM definitions WHERE id = $1 FOR UPDATE`

	lockForDeleteQuery = `
		SELECT type FROM definitions WHERE id = $1 FOR UPDATE`

	insertCurrentQuery = `
		INSERT INTO definitions (id, type, body, created_at, last_modified_at, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateCurrentQuery = `
		UPDATE definitions
		SET type = $2, body = $3, last_modified_at = $4, last_modified_by = $5
		WHERE id = $1`

	deleteCurrentQuery = `
		DELETE FROM definitions WHERE id = $1`

	countHistoryQuery = `
		SELECT COUNT(*) FROM definitions_history WHERE id = $1`

	insertHistoryQuery = `
		INSERT INTO definitions_history (id, type, body, last_modified_at, version, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6)`

	revisionHistoryQuery = `
		SELECT version, body, last_modified_at, is_deleted
		FROM definitions_history
		WHERE id = $1
		ORDER BY version DESC`
)

// Repository is the PostgreSQL-backed definition store.
type Repository struct {
	router   *pool.Router
	codec    *definition.Codec
	clock    storage.Clock
	identity identity.Provider
	log      *logger.Logger
}

var _ storage.DefinitionStore = (*Repository)(nil)

// Option customizes a Repository.
type Option func(*Repository)

// WithClock overrides the write-timestamp source.
func WithClock(clock storage.Clock) Option {
	return func(r *Repository) { r.clock = clock }
}

// WithIdentity supplies the actor identity recorded on writes.
func WithIdentity(provider identity.Provider) Option {
	return func(r *Repository) { r.identity = provider }
}

// WithLogger sets the logger used for per-row skip reporting.
func WithLogger(log *logger.Logger) Option {
	return func(r *Repository) { r.log = log }
}

// New creates a repository routing its operations through router and
// encoding definitions with codec.
func New(router *pool.Router, codec *definition.Codec, opts ...Option) *Repository {
	r := &Repository{
		router: router,
		codec:  codec,
		clock:  storage.SystemClock{},
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetByName returns the current definition, or nil when no row exists.
// Decode failures on this targeted read are propagated, not swallowed.
func (r *Repository) GetByName(ctx context.Context, poolName, name string) (def definition.Definition, err error) {
	defer r.observe("get_by_name", poolName, time.Now(), &err)

	var body []byte
	found := true
	err = r.router.ReadOnly(ctx, poolName, func(tx *sql.Tx) error {
		scanErr := tx.QueryRowContext(ctx, getByNameQuery, name).Scan(&body)
		if errors.Is(scanErr, sql.ErrNoRows) {
			found = false
			return nil
		}
		return scanErr
	})
	if err != nil || !found {
		return nil, err
	}

	def, err = r.codec.Decode(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w", name, err)
	}
	return def, nil
}

// ListByType returns all current definitions of defType in ascending name
// order, excluding rows that fail to decode.
func (r *Repository) ListByType(ctx context.Context, poolName, defType string) (defs []definition.Definition, err error) {
	defer r.observe("list_by_type", poolName, time.Now(), &err)
	return r.list(ctx, poolName, defType, 0, "")
}

// ListByTypePage is ListByType with keyset pagination: rows with id >=
// startingName (when set), capped at limit.
func (r *Repository) ListByTypePage(ctx context.Context, poolName, defType string, limit int, startingName string) (defs []definition.Definition, err error) {
	defer r.observe("list_by_type_page", poolName, time.Now(), &err)
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return r.list(ctx, poolName, defType, limit, startingName)
}

type rawRow struct {
	id   string
	body []byte
}

func (r *Repository) list(ctx context.Context, poolName, defType string, limit int, startingName string) ([]definition.Definition, error) {
	var raw []rawRow
	err := r.router.ReadOnly(ctx, poolName, func(tx *sql.Tx) error {
		var (
			rows *sql.Rows
			err  error
		)
		if limit > 0 {
			rows, err = tx.QueryContext(ctx, listByTypePageQuery, defType, startingName, limit)
		} else {
			rows, err = tx.QueryContext(ctx, listByTypeQuery, defType, startingName)
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row rawRow
			if err := rows.Scan(&row.id, &row.body); err != nil {
				return err
			}
			raw = append(raw, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// Each row decodes independently so one bad record cannot hide the
	// rest of the type.
	result := make([]definition.Definition, 0, len(raw))
	for _, row := range raw {
		def, decErr := r.codec.Decode(ctx, row.body)
		if decErr != nil {
			r.skip(poolName, row.id, decErr)
			continue
		}
		result = append(result, def)
	}
	return result, nil
}

func (r *Repository) skip(poolName, id string, err error) {
	entry := r.log.WithField("pool", poolName).WithField("id", id).WithError(err)
	if errors.Is(err, secretstore.ErrUnavailable) {
		metrics.RecordSkippedRow("secret_unavailable")
		entry.Warn("skipping definition: secret unavailable")
		return
	}
	metrics.RecordSkippedRow("corrupted")
	entry.Error("skipping definition: document failed to decode")
}

// Create inserts a new definition together with its first history row.
// Returns an error wrapping storage.ErrAlreadyExists when the name is taken.
func (r *Repository) Create(ctx context.Context, poolName string, def definition.Definition) (err error) {
	defer r.observe("create", poolName, time.Now(), &err)

	body, defType, err := r.codec.Encode(def)
	if err != nil {
		return err
	}
	name := def.DefinitionName()

	return r.mutate(ctx, poolName, func(tx *sql.Tx) error {
		now := r.clock.NowMillis()
		actor := r.actor(ctx)

		if _, err := tx.ExecContext(ctx, insertCurrentQuery, name, defType, string(body), now, now, actor); err != nil {
			if isUniqueViolation(err, "") {
				return storage.NewAlreadyExistsError(name)
			}
			return fmt.Errorf("insert definition %q: %w", name, err)
		}
		return r.appendHistory(ctx, tx, name, defType, body, now, false)
	})
}

// Update replaces the full body of an existing definition and appends the
// next history row. When no current row exists the call is a no-op: neither
// table is touched, preserving the one-mutation/one-history pairing.
func (r *Repository) Update(ctx context.Context, poolName string, def definition.Definition) (err error) {
	defer r.observe("update", poolName, time.Now(), &err)

	body, defType, err := r.codec.Encode(def)
	if err != nil {
		return err
	}
	name := def.DefinitionName()

	return r.mutate(ctx, poolName, func(tx *sql.Tx) error {
		locked, err := lockCurrent(ctx, tx, name)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}

		now := r.clock.NowMillis()
		actor := r.actor(ctx)

		if _, err := tx.ExecContext(ctx, updateCurrentQuery, name, defType, string(body), now, actor); err != nil {
			return fmt.Errorf("update definition %q: %w", name, err)
		}
		return r.appendHistory(ctx, tx, name, defType, body, now, false)
	})
}

// Delete removes the current row and appends a tombstone. Deleting a
// nonexistent name is a no-op.
func (r *Repository) Delete(ctx context.Context, poolName, name string) (err error) {
	defer r.observe("delete", poolName, time.Now(), &err)

	return r.mutate(ctx, poolName, func(tx *sql.Tx) error {
		var defType string
		err := tx.QueryRowContext(ctx, lockForDeleteQuery, name).Scan(&defType)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock definition %q: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, deleteCurrentQuery, name); err != nil {
			return fmt.Errorf("delete definition %q: %w", name, err)
		}
		return r.appendHistory(ctx, tx, name, defType, nil, r.clock.NowMillis(), true)
	})
}

// RevisionHistory returns every history row for name, newest first.
// Tombstones project to a nil definition; decode failures propagate since
// this is a targeted forensic read.
func (r *Repository) RevisionHistory(ctx context.Context, poolName, name string) (revisions []definition.Revision, err error) {
	defer r.observe("revision_history", poolName, time.Now(), &err)

	type rawRevision struct {
		version        int
		body           []byte
		lastModifiedAt int64
		isDeleted      bool
	}

	var raw []rawRevision
	err = r.router.ReadOnly(ctx, poolName, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, revisionHistoryQuery, name)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rev rawRevision
			// A NULL body scans to a nil slice; that is the tombstone case.
			if err := rows.Scan(&rev.version, &rev.body, &rev.lastModifiedAt, &rev.isDeleted); err != nil {
				return err
			}
			raw = append(raw, rev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	revisions = make([]definition.Revision, 0, len(raw))
	for _, rev := range raw {
		projected := definition.Revision{
			Version:        rev.version,
			LastModifiedAt: rev.lastModifiedAt,
			Deleted:        rev.isDeleted,
		}
		if !rev.isDeleted {
			def, err := r.codec.Decode(ctx, rev.body)
			if err != nil {
				return nil, fmt.Errorf("definition %q version %d: %w", name, rev.version, err)
			}
			projected.Definition = def
		}
		revisions = append(revisions, projected)
	}
	return revisions, nil
}

// mutate runs fn transactionally, retrying a bounded number of times when a
// concurrent writer claimed the same history version first.
func (r *Repository) mutate(ctx context.Context, poolName string, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = r.router.Transact(ctx, poolName, fn)
		if err == nil || !isUniqueViolation(err, migrations.HistoryVersionConstraint) {
			return err
		}
		r.log.WithField("pool", poolName).WithField("attempt", attempt).
			Warn("retrying write after concurrent version conflict")
	}
	return err
}

// appendHistory computes the next version for name and inserts the history
// row. The version is the count of existing rows plus one; history being
// append-only makes the count equal to the current maximum.
func (r *Repository) appendHistory(ctx context.Context, tx *sql.Tx, name, defType string, body []byte, now int64, deleted bool) error {
	var count int
	if err := tx.QueryRowContext(ctx, countHistoryQuery, name).Scan(&count); err != nil {
		return fmt.Errorf("count history for %q: %w", name, err)
	}

	// JSONB parameters go over the wire as text; a nil doc becomes SQL NULL
	// for tombstones.
	var doc any
	if body != nil {
		doc = string(body)
	}
	if _, err := tx.ExecContext(ctx, insertHistoryQuery, name, defType, doc, now, count+1, deleted); err != nil {
		return fmt.Errorf("append history for %q: %w", name, err)
	}
	return nil
}

// lockCurrent takes a row lock on the current record for the duration of the
// transaction, serializing writers on one name. Returns false when no
// current row exists.
func lockCurrent(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, lockCurrentQuery, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock definition %q: %w", name, err)
	}
	return true, nil
}

func (r *Repository) actor(ctx context.Context) string {
	if r.identity != nil {
		if actor, ok := r.identity.CurrentActor(ctx); ok {
			return actor
		}
	}
	return storage.AnonymousActor
}

func (r *Repository) observe(op, poolName string, start time.Time, err *error) {
	metrics.RecordRepositoryOperation(op, poolName, *err, time.Since(start))
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
