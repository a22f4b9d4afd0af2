// Package memory provides a thread-safe in-memory definition store for
// tests and local development. It mirrors the postgres semantics, including
// the append-only history and per-name versioning, by storing the same
// encoded documents the SQL tables would hold.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/identity"
	"github.com/defstore-io/defstore/internal/secretstore"
	"github.com/defstore-io/defstore/internal/storage"
	"github.com/defstore-io/defstore/pkg/logger"
)

type currentRow struct {
	defType        string
	body           []byte
	createdAt      int64
	lastModifiedAt int64
	lastModifiedBy string
}

type historyRow struct {
	defType        string
	body           []byte
	lastModifiedAt int64
	version        int
	isDeleted      bool
}

type tables struct {
	current map[string]currentRow
	history map[string][]historyRow
}

// Store is the in-memory definition store. Pool namespaces are created
// lazily, so any pool name routes successfully.
type Store struct {
	mu       sync.RWMutex
	pools    map[string]*tables
	codec    *definition.Codec
	clock    storage.Clock
	identity identity.Provider
	log      *logger.Logger
}

var _ storage.DefinitionStore = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the write-timestamp source.
func WithClock(clock storage.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithIdentity supplies the actor identity recorded on writes.
func WithIdentity(provider identity.Provider) Option {
	return func(s *Store) { s.identity = provider }
}

// WithLogger sets the logger used for per-row skip reporting.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty store.
func New(codec *definition.Codec, opts ...Option) *Store {
	s := &Store{
		pools: make(map[string]*tables),
		codec: codec,
		clock: storage.SystemClock{},
		log:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tablesLocked(pool string) *tables {
	t, ok := s.pools[pool]
	if !ok {
		t = &tables{
			current: make(map[string]currentRow),
			history: make(map[string][]historyRow),
		}
		s.pools[pool] = t
	}
	return t
}

// GetByName returns the current definition, or nil when absent.
func (s *Store) GetByName(ctx context.Context, pool, name string) (definition.Definition, error) {
	s.mu.RLock()
	row, ok := s.tablesReadLocked(pool).current[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.codec.Decode(ctx, row.body)
}

func (s *Store) tablesReadLocked(pool string) *tables {
	if t, ok := s.pools[pool]; ok {
		return t
	}
	return &tables{current: map[string]currentRow{}, history: map[string][]historyRow{}}
}

// ListByType returns all current definitions of defType in ascending name
// order, excluding rows that fail to decode.
func (s *Store) ListByType(ctx context.Context, pool, defType string) ([]definition.Definition, error) {
	return s.list(ctx, pool, defType, 0, "")
}

// ListByTypePage is ListByType with keyset pagination.
func (s *Store) ListByTypePage(ctx context.Context, pool, defType string, limit int, startingName string) ([]definition.Definition, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	return s.list(ctx, pool, defType, limit, startingName)
}

func (s *Store) list(ctx context.Context, pool, defType string, limit int, startingName string) ([]definition.Definition, error) {
	s.mu.RLock()
	t := s.tablesReadLocked(pool)
	type raw struct {
		id   string
		body []byte
	}
	var candidates []raw
	for id, row := range t.current {
		if row.defType != defType || id < startingName {
			continue
		}
		candidates = append(candidates, raw{id: id, body: row.body})
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]definition.Definition, 0, len(candidates))
	for _, row := range candidates {
		def, err := s.codec.Decode(ctx, row.body)
		if err != nil {
			entry := s.log.WithField("pool", pool).WithField("id", row.id).WithError(err)
			if errors.Is(err, secretstore.ErrUnavailable) {
				entry.Warn("skipping definition: secret unavailable")
			} else {
				entry.Error("skipping definition: document failed to decode")
			}
			continue
		}
		result = append(result, def)
	}
	return result, nil
}

// Create inserts a new definition and its version-1 history row.
func (s *Store) Create(ctx context.Context, pool string, def definition.Definition) error {
	body, defType, err := s.codec.Encode(def)
	if err != nil {
		return err
	}
	name := def.DefinitionName()
	now := s.clock.NowMillis()
	actor := s.actor(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tablesLocked(pool)
	if _, exists := t.current[name]; exists {
		return storage.NewAlreadyExistsError(name)
	}
	t.current[name] = currentRow{
		defType:        defType,
		body:           body,
		createdAt:      now,
		lastModifiedAt: now,
		lastModifiedBy: actor,
	}
	s.appendHistoryLocked(t, name, defType, body, now, false)
	return nil
}

// Update replaces an existing definition; a nonexistent name is a no-op.
func (s *Store) Update(ctx context.Context, pool string, def definition.Definition) error {
	body, defType, err := s.codec.Encode(def)
	if err != nil {
		return err
	}
	name := def.DefinitionName()
	now := s.clock.NowMillis()
	actor := s.actor(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tablesLocked(pool)
	existing, ok := t.current[name]
	if !ok {
		return nil
	}
	t.current[name] = currentRow{
		defType:        defType,
		body:           body,
		createdAt:      existing.createdAt,
		lastModifiedAt: now,
		lastModifiedBy: actor,
	}
	s.appendHistoryLocked(t, name, defType, body, now, false)
	return nil
}

// Delete removes the current row and appends a tombstone; a nonexistent
// name is a no-op.
func (s *Store) Delete(ctx context.Context, pool, name string) error {
	now := s.clock.NowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tablesLocked(pool)
	existing, ok := t.current[name]
	if !ok {
		return nil
	}
	delete(t.current, name)
	s.appendHistoryLocked(t, name, existing.defType, nil, now, true)
	return nil
}

// RevisionHistory returns every history row for name, newest version first.
func (s *Store) RevisionHistory(ctx context.Context, pool, name string) ([]definition.Revision, error) {
	s.mu.RLock()
	rows := append([]historyRow(nil), s.tablesReadLocked(pool).history[name]...)
	s.mu.RUnlock()

	revisions := make([]definition.Revision, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		rev := definition.Revision{
			Version:        row.version,
			LastModifiedAt: row.lastModifiedAt,
			Deleted:        row.isDeleted,
		}
		if !row.isDeleted {
			def, err := s.codec.Decode(ctx, row.body)
			if err != nil {
				return nil, err
			}
			rev.Definition = def
		}
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

func (s *Store) appendHistoryLocked(t *tables, name, defType string, body []byte, now int64, deleted bool) {
	t.history[name] = append(t.history[name], historyRow{
		defType:        defType,
		body:           body,
		lastModifiedAt: now,
		version:        len(t.history[name]) + 1,
		isDeleted:      deleted,
	})
}

func (s *Store) actor(ctx context.Context) string {
	if s.identity != nil {
		if actor, ok := s.identity.CurrentActor(ctx); ok {
			return actor
		}
	}
	return storage.AnonymousActor
}
