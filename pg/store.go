// Package pg implements the authoritative-store ports - cardea.Store,
// cardea.SurrogateMap, and cardea.CompensationLog - on PostgreSQL via pgx.
package pg

import (
	"context"

	"github.com/cardea-io/cardea"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// uniqueViolation is the SQLSTATE class for unique-constraint violations.
const uniqueViolation = "23505"

// Store provides a cardea.Store implementation backed by a pgx connection
// pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an authoritative store over the given pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("missing pool")
	}
	return &Store{pool: pool}, nil
}

// Begin opens a new transaction.
func (s *Store) Begin(ctx context.Context) (cardea.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &storeTx{tx: tx}, nil
}

// Pool exposes the underlying pool for non-transactional reads by sibling
// components in this package.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

type storeTx struct {
	tx pgx.Tx
}

// Exec runs a parameterized mutation, translating unique-constraint
// violations into a distinguishable error class.
func (t *storeTx) Exec(ctx context.Context, sql string, args ...any) error {
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return translateError(err)
	}
	return nil
}

// QueryRow runs a parameterized single-row query.
func (t *storeTx) QueryRow(ctx context.Context, sql string, args ...any) cardea.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Commit makes the transaction durable.
func (t *storeTx) Commit(ctx context.Context) error {
	return errors.Wrap(t.tx.Commit(ctx), "committing transaction")
}

// Rollback discards the transaction. Rolling back after commit is a no-op.
func (t *storeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Wrap(err, "rolling back transaction")
	}
	return nil
}

// translateError maps store errors onto the module's error classes.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrap(cardea.NewMappingConflictError(pgErr.ConstraintName), err.Error())
	}
	return err
}

// isNoRows reports whether a query matched no rows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
