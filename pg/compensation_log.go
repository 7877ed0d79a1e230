package pg

import (
	"context"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/pkg/errors"
)

const (
	stageEntry = `INSERT INTO compensation_log
		(id, unit_name, kind, surrogate_id, vector, payload, state, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	updateEntryState = `UPDATE compensation_log
		SET state = $2, updated_at = now() WHERE id = $1`
	markEntryFailed = `UPDATE compensation_log
		SET state = $2, attempts = attempts + 1, last_error = $3, updated_at = now()
		WHERE id = $1`
	selectUnsettledEntries = `SELECT id, unit_name, kind, surrogate_id, vector, payload,
		state, attempts, last_error, created_at, updated_at
		FROM compensation_log
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`
)

// CompensationLog provides a cardea.CompensationLog implementation persisted
// in PostgreSQL. Entries are keyed by surrogate identifier only; internal
// identifiers never enter the log.
type CompensationLog struct {
	store *Store
}

// NewCompensationLog creates a compensation log persisted through the given
// store.
func NewCompensationLog(store *Store) (*CompensationLog, error) {
	if store == nil {
		return nil, errors.New("missing store")
	}
	return &CompensationLog{store: store}, nil
}

// Stage records an effect in the same transaction as its authoritative
// mutations, so the entry is durable exactly when the unit is.
func (l *CompensationLog) Stage(ctx context.Context, tx cardea.Tx, entry cardea.CompensationEntry) error {
	err := tx.Exec(ctx, stageEntry,
		entry.ID, entry.UnitName, string(entry.Kind), entry.SurrogateID,
		entry.Vector, entry.Payload, string(entry.State), entry.Attempts)
	return errors.Wrapf(err, "staging compensation entry for surrogate '%s'", entry.SurrogateID)
}

func (l *CompensationLog) transition(ctx context.Context, sql string, args ...any) error {
	tag, err := l.store.Pool().Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("no compensation entry '%s'", args[0])
	}
	return nil
}

// MarkApplied transitions an entry to applied.
func (l *CompensationLog) MarkApplied(ctx context.Context, id string) error {
	return errors.Wrapf(l.transition(ctx, updateEntryState, id, string(cardea.CompensationApplied)), "marking compensation entry '%s' applied", id)
}

// MarkFailed transitions an entry to index_failed, recording the failure.
func (l *CompensationLog) MarkFailed(ctx context.Context, id string, cause string) error {
	return errors.Wrapf(l.transition(ctx, markEntryFailed, id, string(cardea.CompensationIndexFailed), cause), "marking compensation entry '%s' failed", id)
}

// Abandon transitions an entry to abandoned for manual intervention.
func (l *CompensationLog) Abandon(ctx context.Context, id string) error {
	return errors.Wrapf(l.transition(ctx, updateEntryState, id, string(cardea.CompensationAbandoned)), "abandoning compensation entry '%s'", id)
}

// Unsettled returns index_failed and still-staged entries last touched
// before the given threshold, oldest first. Staged entries older than the
// threshold were orphaned by a crash between commit and index application.
func (l *CompensationLog) Unsettled(ctx context.Context, olderThan time.Duration, limit int) ([]cardea.CompensationEntry, error) {
	cutoff := time.Now().Add(-olderThan)
	states := []string{string(cardea.CompensationIndexFailed), string(cardea.CompensationStaged)}
	rows, err := l.store.Pool().Query(ctx, selectUnsettledEntries, states, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying unsettled compensation entries")
	}
	defer rows.Close()

	var entries []cardea.CompensationEntry
	for rows.Next() {
		var entry cardea.CompensationEntry
		var kind, state string
		if err := rows.Scan(&entry.ID, &entry.UnitName, &kind, &entry.SurrogateID,
			&entry.Vector, &entry.Payload, &state, &entry.Attempts,
			&entry.LastError, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning compensation entry")
		}
		entry.Kind = cardea.EffectKind(kind)
		entry.State = cardea.CompensationState(state)
		entries = append(entries, entry)
	}

	return entries, errors.Wrap(rows.Err(), "iterating compensation entries")
}
