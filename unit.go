package cardea

import (
	"context"
	"time"
)

// UnitState is the lifecycle state of one AtomicUnit.
type UnitState string

const (
	// UnitPending is the initial state before the authoritative commit.
	UnitPending UnitState = "pending"
	// UnitRolledBack is terminal: authoritative work failed before commit
	// and nothing is observable.
	UnitRolledBack UnitState = "rolled_back"
	// UnitAuthoritativeCommitted means the authoritative transaction is
	// durable and index effects are about to be applied.
	UnitAuthoritativeCommitted UnitState = "authoritative_committed"
	// UnitIndexApplied is terminal success: every index effect is applied.
	UnitIndexApplied UnitState = "index_applied"
	// UnitIndexFailed means at least one index effect failed after the
	// authoritative commit; the failure is recorded for reconciliation and
	// never rolls back the committed authoritative state.
	UnitIndexFailed UnitState = "index_failed"
)

// EffectKind is the kind of side effect an AtomicUnit applies to the derived
// index.
type EffectKind string

const (
	// EffectUpsert writes a point to the derived index.
	EffectUpsert EffectKind = "upsert"
	// EffectDelete removes a point from the derived index.
	EffectDelete EffectKind = "delete"
)

// IndexEffect is one side effect on the derived index, expressed against an
// internal identifier. The coordinator translates the internal identifier to
// a surrogate inside the authoritative transaction; the internal identifier
// itself never reaches the index.
type IndexEffect struct {
	// Kind selects upsert or delete.
	Kind EffectKind
	// InternalID is the authoritative record the effect concerns.
	InternalID string
	// Vector is the embedding to store for an upsert.
	Vector []float32
	// Payload is the index-side metadata for an upsert. It is screened at
	// the trust boundary: any occurrence of an internal identifier aborts
	// the unit.
	Payload map[string]any
}

// AtomicUnit is one logical operation spanning the authoritative store and
// the derived index. It is transient: owned by the coordinator for the
// duration of one Execute call and discarded afterwards.
type AtomicUnit struct {
	// Name identifies the operation in logs and compensation entries.
	Name string
	// Mutations are the ordered authoritative-store writes.
	Mutations []Mutation
	// Effects are the ordered derived-index side effects.
	Effects []IndexEffect
	// RevokeInternalIDs lists internal identifiers whose surrogate mappings
	// should be tombstoned within the same transaction. Deleting a record
	// typically pairs a delete effect with a revocation.
	RevokeInternalIDs []string
}

// NewAtomicUnit creates a named, empty unit of work.
func NewAtomicUnit(name string) *AtomicUnit {
	return &AtomicUnit{Name: name}
}

// AppendMutation adds an authoritative-store write to the unit.
func (u *AtomicUnit) AppendMutation(sql string, args ...any) *AtomicUnit {
	u.Mutations = append(u.Mutations, NewMutation(sql, args...))
	return u
}

// AppendUpsert adds a derived-index upsert for the given internal
// identifier.
func (u *AtomicUnit) AppendUpsert(internalID string, vector []float32, payload map[string]any) *AtomicUnit {
	u.Effects = append(u.Effects, IndexEffect{
		Kind:       EffectUpsert,
		InternalID: internalID,
		Vector:     vector,
		Payload:    payload,
	})
	return u
}

// AppendDelete adds a derived-index delete for the given internal
// identifier.
func (u *AtomicUnit) AppendDelete(internalID string) *AtomicUnit {
	u.Effects = append(u.Effects, IndexEffect{
		Kind:       EffectDelete,
		InternalID: internalID,
	})
	return u
}

// AppendRevocation tombstones the surrogate mapping for the given internal
// identifier within the unit's transaction.
func (u *AtomicUnit) AppendRevocation(internalID string) *AtomicUnit {
	u.RevokeInternalIDs = append(u.RevokeInternalIDs, internalID)
	return u
}

// InternalIdentifiers returns every internal identifier the unit names,
// deduplicated. These are the values screened out of index-bound payloads.
func (u *AtomicUnit) InternalIdentifiers() []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, eff := range u.Effects {
		if _, ok := seen[eff.InternalID]; !ok {
			seen[eff.InternalID] = struct{}{}
			ids = append(ids, eff.InternalID)
		}
	}
	for _, id := range u.RevokeInternalIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// UnitResult reports the outcome of executing an AtomicUnit.
type UnitResult struct {
	// State is the unit's terminal state for the synchronous caller.
	// UnitIndexFailed is not an Execute error: the authoritative commit is
	// durable and the failed effects are queued for reconciliation.
	State UnitState
	// Surrogates maps each internal identifier named by the unit's effects
	// to the surrogate that now stands in for it.
	Surrogates map[string]string
	// FailedEffects counts index effects recorded for reconciliation.
	FailedEffects int
}

// CompensationState is the reconciliation state of one compensation-log
// entry.
type CompensationState string

const (
	// CompensationStaged means the effect is recorded in the same
	// transaction as its authoritative mutations and not yet applied.
	CompensationStaged CompensationState = "staged"
	// CompensationApplied is terminal success.
	CompensationApplied CompensationState = "applied"
	// CompensationIndexFailed means the synchronous application failed and
	// the entry awaits reconciliation.
	CompensationIndexFailed CompensationState = "index_failed"
	// CompensationAbandoned is terminal failure after the retry budget is
	// exhausted; the entry requires manual intervention.
	CompensationAbandoned CompensationState = "abandoned"
)

// CompensationEntry is one recorded derived-index effect awaiting or past
// reconciliation. Entries are keyed by surrogate, never by internal
// identifier, so the log itself is safe to export to operators.
type CompensationEntry struct {
	// ID uniquely identifies the entry.
	ID string
	// UnitName is the name of the AtomicUnit that staged the effect.
	UnitName string
	// Kind selects upsert or delete.
	Kind EffectKind
	// SurrogateID keys the effect in the derived index.
	SurrogateID string
	// Vector is the embedding for an upsert replay.
	Vector []float32
	// Payload is the index-side metadata for an upsert replay.
	Payload map[string]any
	// State is the entry's reconciliation state.
	State CompensationState
	// Attempts counts application attempts, including the synchronous one.
	Attempts int
	// LastError describes the most recent failure.
	LastError string
	// CreatedAt is when the entry was staged.
	CreatedAt time.Time
	// UpdatedAt is when the entry last changed state.
	UpdatedAt time.Time
}

// CompensationLog records derived-index effects alongside the authoritative
// transaction that logically requires them (an outbox), so a failed effect
// is always discoverable and replayed, never dropped.
type CompensationLog interface {
	// Stage records an effect within the given transaction. The entry
	// becomes durable if and only if the unit's authoritative mutations
	// commit.
	Stage(ctx context.Context, tx Tx, entry CompensationEntry) error
	// MarkApplied transitions an entry to applied.
	MarkApplied(ctx context.Context, id string) error
	// MarkFailed transitions an entry to index_failed, recording the
	// failure and incrementing the attempt count.
	MarkFailed(ctx context.Context, id string, cause string) error
	// Abandon transitions an entry to abandoned.
	Abandon(ctx context.Context, id string) error
	// Unsettled returns entries awaiting replay whose last update is older
	// than the given threshold, oldest first, up to limit. That covers
	// entries in index_failed state as well as entries still staged: a
	// crash between the authoritative commit and the synchronous index
	// application leaves durable staged entries that no running code will
	// ever settle, so reconciliation must reach them too.
	Unsettled(ctx context.Context, olderThan time.Duration, limit int) ([]CompensationEntry, error)
}
