package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/cardea-io/cardea"
	"github.com/pkg/errors"
)

// Store provides a mock implementation of a cardea.Store. This makes it
// possible to introspect on the transactions it hands out and control their
// outputs.
type Store struct {
	BeginError error
	// FailOnSQLContains is copied into every transaction the store hands
	// out.
	FailOnSQLContains string
	// CommitError is copied into every transaction the store hands out.
	CommitError error

	mu  sync.Mutex
	txs []*Tx
}

// Begin opens a new mock transaction and retains it for introspection.
func (s *Store) Begin(ctx context.Context) (cardea.Tx, error) {
	if s.BeginError != nil {
		return nil, s.BeginError
	}

	tx := &Tx{
		FailOnSQLContains: s.FailOnSQLContains,
		CommitError:       s.CommitError,
	}
	s.mu.Lock()
	s.txs = append(s.txs, tx)
	s.mu.Unlock()
	return tx, nil
}

// Transactions returns every transaction the store has handed out, in
// order.
func (s *Store) Transactions() []*Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Tx{}, s.txs...)
}

// Tx provides a mock implementation of a cardea.Tx. Mutations are captured
// for introspection; semantic side effects (surrogate creation, outbox
// staging) registered by sibling mocks via OnCommit and OnRollback fire when
// the transaction resolves, so committed and rolled-back state can be
// distinguished in tests.
type Tx struct {
	// ExecError fails every Exec call.
	ExecError error
	// FailOnSQLContains fails any Exec whose statement contains the given
	// substring, for deterministic mid-transaction failures.
	FailOnSQLContains string
	// CommitError fails Commit without resolving the transaction.
	CommitError error
	// QueryRowFunc customizes QueryRow results.
	QueryRowFunc func(sql string, args ...any) cardea.Row

	mu         sync.Mutex
	ExecInputs []cardea.Mutation
	committed  bool
	rolledBack bool
	onCommit   []func()
	onRollback []func()
}

// Exec captures the mutation and applies the configured failure injections.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.ExecInputs = append(t.ExecInputs, cardea.NewMutation(sql, args...))
	t.mu.Unlock()

	if t.ExecError != nil {
		return t.ExecError
	}
	if t.FailOnSQLContains != "" && strings.Contains(sql, t.FailOnSQLContains) {
		return errors.Errorf("injected failure for statement containing '%s'", t.FailOnSQLContains)
	}
	return nil
}

// QueryRow returns the customized row, or a row whose Scan fails if none is
// configured.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) cardea.Row {
	if t.QueryRowFunc != nil {
		return t.QueryRowFunc(sql, args...)
	}
	return errRow{err: errors.New("no mock row configured")}
}

// Commit resolves the transaction and fires commit hooks.
func (t *Tx) Commit(ctx context.Context) error {
	if t.CommitError != nil {
		return t.CommitError
	}

	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return errors.New("transaction already resolved")
	}
	t.committed = true
	hooks := t.onCommit
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// Rollback resolves the transaction and fires rollback hooks. Rolling back
// an already-resolved transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.committed || t.rolledBack {
		t.mu.Unlock()
		return nil
	}
	t.rolledBack = true
	hooks := t.onRollback
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return nil
}

// Committed reports whether the transaction committed.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether the transaction rolled back.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// OnCommit registers a hook to fire if the transaction commits.
func (t *Tx) OnCommit(hook func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, hook)
}

// OnRollback registers a hook to fire if the transaction rolls back.
func (t *Tx) OnRollback(hook func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = append(t.onRollback, hook)
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error { return r.err }

// txHooks extracts the hook registration surface from a cardea.Tx when the
// underlying implementation is this package's Tx.
func txHooks(tx cardea.Tx) (*Tx, bool) {
	mockTx, ok := tx.(*Tx)
	return mockTx, ok
}
