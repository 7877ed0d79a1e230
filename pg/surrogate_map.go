package pg

import (
	"context"

	"github.com/cardea-io/cardea"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	selectActiveSurrogate = `SELECT surrogate_id FROM surrogate_identifiers
		WHERE internal_id = $1 AND revoked_at IS NULL`
	insertSurrogate = `INSERT INTO surrogate_identifiers (surrogate_id, internal_id)
		VALUES ($1, $2)`
	selectInternalID = `SELECT internal_id FROM surrogate_identifiers
		WHERE surrogate_id = $1 AND revoked_at IS NULL`
	revokeSurrogate = `UPDATE surrogate_identifiers SET revoked_at = now()
		WHERE internal_id = $1 AND revoked_at IS NULL`
)

// SurrogateMap provides a cardea.SurrogateMap implementation persisted in
// PostgreSQL. Uniqueness under concurrent Ensure calls relies on the partial
// unique index over active rows, not on application-level locking, so it
// remains correct across multiple process instances.
type SurrogateMap struct {
	store *Store
}

// NewSurrogateMap creates a surrogate map persisted through the given store.
func NewSurrogateMap(store *Store) (*SurrogateMap, error) {
	if store == nil {
		return nil, errors.New("missing store")
	}
	return &SurrogateMap{store: store}, nil
}

// Ensure returns the active surrogate for the internal identifier, creating
// a cryptographically random one within the caller's transaction if none
// exists. The insert is guarded by a savepoint: a losing concurrent writer
// hits the unique index, rolls back to the savepoint, and recovers by
// reading the row the winner committed.
func (m *SurrogateMap) Ensure(ctx context.Context, tx cardea.Tx, internalID string) (string, error) {
	var surrogateID string
	err := tx.QueryRow(ctx, selectActiveSurrogate, internalID).Scan(&surrogateID)
	if err == nil {
		return surrogateID, nil
	}
	if !isNoRows(err) {
		return "", errors.Wrapf(err, "looking up surrogate for internal id '%s'", internalID)
	}

	surrogateID = uuid.NewString()

	if err := tx.Exec(ctx, "SAVEPOINT ensure_surrogate"); err != nil {
		return "", errors.Wrap(err, "creating savepoint")
	}
	err = tx.Exec(ctx, insertSurrogate, surrogateID, internalID)
	if err == nil {
		return surrogateID, nil
	}
	if !cardea.IsMappingConflictError(err) {
		return "", errors.Wrapf(err, "inserting surrogate for internal id '%s'", internalID)
	}

	// Lost the race. Release the aborted substate and read the committed
	// row instead; the conflict is invisible to the caller.
	if err := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT ensure_surrogate"); err != nil {
		return "", errors.Wrap(err, "rolling back to savepoint")
	}
	if err := tx.QueryRow(ctx, selectActiveSurrogate, internalID).Scan(&surrogateID); err != nil {
		return "", errors.Wrapf(err, "re-reading surrogate for internal id '%s' after conflict", internalID)
	}

	return surrogateID, nil
}

// Resolve maps an active surrogate back to its internal identifier.
func (m *SurrogateMap) Resolve(ctx context.Context, surrogateID string) (string, error) {
	var internalID string
	err := m.store.Pool().QueryRow(ctx, selectInternalID, surrogateID).Scan(&internalID)
	if isNoRows(err) {
		return "", cardea.NewSurrogateNotFoundError(surrogateID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "resolving surrogate '%s'", surrogateID)
	}
	return internalID, nil
}

// Revoke tombstones the active mapping for the internal identifier within
// the caller's transaction. The row survives, so the surrogate can never be
// recycled and stale references in the derived index cannot be revived.
func (m *SurrogateMap) Revoke(ctx context.Context, tx cardea.Tx, internalID string) error {
	return errors.Wrapf(tx.Exec(ctx, revokeSurrogate, internalID), "revoking surrogate for internal id '%s'", internalID)
}
