package cardea

import "context"

// Store is the port to the authoritative relational store. All durability
// guarantees in this module are defined relative to it.
type Store interface {
	// Begin opens a new transaction. The caller owns the transaction and
	// must resolve it with exactly one Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single authoritative-store transaction. Implementations must
// surface unique-constraint violations as a distinguishable error class
// (IsMappingConflictError) rather than a generic failure.
type Tx interface {
	// Exec runs a parameterized mutation within the transaction.
	Exec(ctx context.Context, sql string, args ...any) error
	// QueryRow runs a parameterized query expected to return at most one
	// row within the transaction.
	QueryRow(ctx context.Context, sql string, args ...any) Row
	// Commit makes the transaction's effects durable.
	Commit(ctx context.Context) error
	// Rollback discards the transaction's effects. Rolling back an
	// already-resolved transaction is a no-op.
	Rollback(ctx context.Context) error
}

// Row is a single query result row.
type Row interface {
	// Scan copies the row's columns into the given destinations. It returns
	// an error satisfying IsSurrogateNotFoundError when the query matched no
	// rows and the query was a surrogate lookup, or the store's no-rows
	// error otherwise.
	Scan(dest ...any) error
}

// Mutation is one parameterized authoritative-store write within an
// AtomicUnit.
type Mutation struct {
	// SQL is the parameterized statement to execute.
	SQL string
	// Args are the statement parameters.
	Args []any
}

// NewMutation creates a mutation from a parameterized statement.
func NewMutation(sql string, args ...any) Mutation {
	return Mutation{SQL: sql, Args: args}
}
