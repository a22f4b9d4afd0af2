// Package pool routes storage operations to one of several named database
// pools and wraps them in read-only or transactional units of work.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownPool is wrapped when an operation names a pool the router does
// not know.
var ErrUnknownPool = errors.New("unknown storage pool")

// Options configures one pool.
type Options struct {
	// Driver is the database/sql driver name. Defaults to postgres.
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Router holds the named pools. It is populated during startup and read-only
// afterwards.
type Router struct {
	pools map[string]*sql.DB
}

// NewRouter creates a router over pre-opened handles. Useful for tests.
func NewRouter(pools map[string]*sql.DB) *Router {
	if pools == nil {
		pools = make(map[string]*sql.DB)
	}
	return &Router{pools: pools}
}

// Open opens a pool, applies connection tuning and verifies connectivity
// before registering it under name.
func (r *Router) Open(ctx context.Context, name string, opts Options) error {
	if name == "" {
		return fmt.Errorf("pool name is required")
	}
	if _, exists := r.pools[name]; exists {
		return fmt.Errorf("pool %s already registered", name)
	}
	if opts.DSN == "" {
		return fmt.Errorf("pool %s: dsn is required", name)
	}
	driver := opts.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return fmt.Errorf("pool %s: open: %w", name, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("pool %s: ping: %w", name, err)
	}

	r.pools[name] = db
	return nil
}

// DB returns the handle for a named pool.
func (r *Router) DB(name string) (*sql.DB, error) {
	db, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	return db, nil
}

// Names returns the registered pool names in sorted order.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every pool, returning the first error encountered.
func (r *Router) Close() error {
	var first error
	for _, db := range r.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadOnly runs fn inside a read-only transaction on the named pool.
func (r *Router) ReadOnly(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	return r.run(ctx, name, &sql.TxOptions{ReadOnly: true}, fn)
}

// Transact runs fn inside a read-write transaction on the named pool,
// committing when fn returns nil and rolling back otherwise.
func (r *Router) Transact(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	return r.run(ctx, name, nil, fn)
}

func (r *Router) run(ctx context.Context, name string, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	db, err := r.DB(name)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("pool %s: begin: %w", name, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pool %s: commit: %w", name, err)
	}
	return nil
}
