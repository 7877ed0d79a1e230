// Package txn orchestrates atomic units of work spanning the authoritative
// store and the derived index. The authoritative commit is the durability
// boundary: everything before it rolls back as one, and index effects after
// it are best-effort with asynchronous reconciliation, never rollback. The
// identifier trust boundary is enforced here - index effects are keyed by
// surrogate and their payloads are screened for internal identifiers before
// anything crosses to the index port.
package txn

import (
	"context"
	"strings"

	"github.com/cardea-io/cardea"
	"github.com/google/uuid"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Coordinator executes atomic units against the authoritative store and the
// derived index. It is a long-lived, shared component safe for concurrent
// use; isolation between concurrent units is the authoritative store's
// transaction isolation, and no lock is held across a call to an external
// system.
type Coordinator struct {
	store      cardea.Store
	surrogates cardea.SurrogateMap
	log        cardea.CompensationLog
	index      cardea.DerivedIndex
}

// NewCoordinator creates a coordinator over the given ports.
func NewCoordinator(store cardea.Store, surrogates cardea.SurrogateMap, log cardea.CompensationLog, index cardea.DerivedIndex) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("missing store")
	}
	if surrogates == nil {
		return nil, errors.New("missing surrogate map")
	}
	if log == nil {
		return nil, errors.New("missing compensation log")
	}
	if index == nil {
		return nil, errors.New("missing index")
	}
	return &Coordinator{
		store:      store,
		surrogates: surrogates,
		log:        log,
		index:      index,
	}, nil
}

// stagedEffect pairs a durable compensation entry with the unit effect it
// was staged from.
type stagedEffect struct {
	entry cardea.CompensationEntry
}

// Execute runs one atomic unit: it applies the unit's authoritative
// mutations, allocates surrogates and stages index effects within the same
// transaction, commits, and only then applies the effects to the derived
// index. Any failure before commit rolls back everything and is returned as
// the error; an index failure after commit is never returned as an error -
// the committed state stands, the failed effects stay recorded for
// reconciliation, and the result reports cardea.UnitIndexFailed.
//
// Cancellation before commit rolls back. Cancellation after commit only
// abandons the wait on index application; the committed authoritative state
// is untouched and reconciliation finishes the index side.
func (c *Coordinator) Execute(ctx context.Context, unit *cardea.AtomicUnit) (*cardea.UnitResult, error) {
	if unit == nil {
		return nil, errors.New("missing unit")
	}

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning authoritative transaction")
	}

	staged, surrogates, err := c.prepare(ctx, tx, unit)
	if err != nil {
		grip.Error(message.WrapError(tx.Rollback(ctx), message.Fields{
			"message": "rolling back unit",
			"unit":    unit.Name,
		}))
		return nil, err
	}

	// Durability boundary. After this point the authoritative state stands
	// no matter what happens on the index side.
	if err := tx.Commit(ctx); err != nil {
		grip.Error(message.WrapError(tx.Rollback(ctx), message.Fields{
			"message": "rolling back unit after failed commit",
			"unit":    unit.Name,
		}))
		return nil, errors.Wrapf(err, "committing unit '%s'", unit.Name)
	}

	failed := c.applyStaged(ctx, unit.Name, staged)

	result := &cardea.UnitResult{
		State:         cardea.UnitIndexApplied,
		Surrogates:    surrogates,
		FailedEffects: failed,
	}
	if failed > 0 {
		result.State = cardea.UnitIndexFailed
	}
	return result, nil
}

// prepare applies the unit's authoritative work inside tx: mutations first,
// then surrogate allocation, boundary screening, and outbox staging for each
// index effect, then revocations. Any error aborts the whole unit.
func (c *Coordinator) prepare(ctx context.Context, tx cardea.Tx, unit *cardea.AtomicUnit) ([]stagedEffect, map[string]string, error) {
	for i, m := range unit.Mutations {
		if err := tx.Exec(ctx, m.SQL, m.Args...); err != nil {
			return nil, nil, errors.Wrapf(err, "applying mutation %d of unit '%s'", i, unit.Name)
		}
	}

	internalIDs := unit.InternalIdentifiers()
	surrogates := map[string]string{}
	staged := make([]stagedEffect, 0, len(unit.Effects))

	for _, eff := range unit.Effects {
		surrogateID, err := c.surrogates.Ensure(ctx, tx, eff.InternalID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "ensuring surrogate for unit '%s'", unit.Name)
		}
		surrogates[eff.InternalID] = surrogateID

		if err := screenPayload(eff.Payload, internalIDs); err != nil {
			return nil, nil, errors.Wrapf(err, "screening payload for unit '%s'", unit.Name)
		}

		entry := cardea.CompensationEntry{
			ID:          uuid.NewString(),
			UnitName:    unit.Name,
			Kind:        eff.Kind,
			SurrogateID: surrogateID,
			Vector:      eff.Vector,
			Payload:     eff.Payload,
			State:       cardea.CompensationStaged,
		}
		if err := c.log.Stage(ctx, tx, entry); err != nil {
			return nil, nil, errors.Wrapf(err, "staging index effect for unit '%s'", unit.Name)
		}
		staged = append(staged, stagedEffect{entry: entry})
	}

	for _, internalID := range unit.RevokeInternalIDs {
		if err := c.surrogates.Revoke(ctx, tx, internalID); err != nil {
			return nil, nil, errors.Wrapf(err, "revoking surrogate for unit '%s'", unit.Name)
		}
	}

	// A canceled caller must not reach the commit with half its intent.
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrapf(err, "unit '%s' canceled before commit", unit.Name)
	}

	return staged, surrogates, nil
}

// applyStaged applies committed effects to the derived index and settles
// their compensation entries. Bookkeeping runs on a detached context so a
// canceled caller cannot lose the failure record.
func (c *Coordinator) applyStaged(ctx context.Context, unitName string, staged []stagedEffect) int {
	bookkeeping := context.WithoutCancel(ctx)
	failed := 0

	for _, s := range staged {
		if err := ApplyEffect(ctx, c.index, s.entry); err != nil {
			failed++
			grip.Warning(message.WrapError(err, message.Fields{
				"message":   "index effect failed after authoritative commit; queued for reconciliation",
				"unit":      unitName,
				"surrogate": s.entry.SurrogateID,
				"kind":      string(s.entry.Kind),
			}))
			grip.Error(message.WrapError(c.log.MarkFailed(bookkeeping, s.entry.ID, err.Error()), message.Fields{
				"message": "recording failed index effect",
				"unit":    unitName,
			}))
			continue
		}
		grip.Error(message.WrapError(c.log.MarkApplied(bookkeeping, s.entry.ID), message.Fields{
			"message": "recording applied index effect",
			"unit":    unitName,
		}))
	}

	return failed
}

// ApplyEffect replays one compensation entry against the derived index. It
// is idempotent so reconciliation can retry it until it sticks.
func ApplyEffect(ctx context.Context, index cardea.DerivedIndex, entry cardea.CompensationEntry) error {
	switch entry.Kind {
	case cardea.EffectUpsert:
		return index.Upsert(ctx, entry.SurrogateID, entry.Vector, entry.Payload)
	case cardea.EffectDelete:
		return index.Delete(ctx, entry.SurrogateID)
	default:
		return errors.Errorf("unrecognized effect kind '%s'", entry.Kind)
	}
}

// screenPayload rejects any payload in which one of the unit's internal
// identifiers occurs as a key, a value, or inside a nested structure. This
// is the hard boundary check: the derived index must never receive anything
// joinable back to authoritative identifiers.
func screenPayload(payload map[string]any, internalIDs []string) error {
	if len(payload) == 0 || len(internalIDs) == 0 {
		return nil
	}
	for k, v := range payload {
		if id := matchIdentifier(k, internalIDs); id != "" {
			return cardea.NewIdentifierLeakError(id)
		}
		if err := screenValue(v, internalIDs); err != nil {
			return err
		}
	}
	return nil
}

func screenValue(v any, internalIDs []string) error {
	switch val := v.(type) {
	case string:
		if id := matchIdentifier(val, internalIDs); id != "" {
			return cardea.NewIdentifierLeakError(id)
		}
	case map[string]any:
		return screenPayload(val, internalIDs)
	case []any:
		for _, item := range val {
			if err := screenValue(item, internalIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchIdentifier(s string, internalIDs []string) string {
	for _, id := range internalIDs {
		if id != "" && strings.Contains(s, id) {
			return id
		}
	}
	return ""
}
