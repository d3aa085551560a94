// Package store is the flat, parameterized-SQL data-access layer for the
// orchestrator's entities. Each entity gets a small set of
// free functions operating on a shared *pgxpool.Pool or pgx.Tx — there is no
// generated client and no repository-interface hierarchy, per the design
// note favoring plain data-access functions over an ORM.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by ID matches no row.
var ErrNotFound = errors.New("store: not found")

// Store bundles the connection pool used by every entity's data-access
// functions. It is the single dependency the orchestration components take
// on persistence.
type Store struct {
	Pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// entity-level functions run either standalone or inside a caller's
// transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapNotFound translates pgx.ErrNoRows into the package-level ErrNotFound so
// callers can use errors.Is(err, store.ErrNotFound) regardless of entity.
func mapNotFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any returned error (begin / defer Rollback / Commit).
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
