package cardea

import (
	"context"
	"time"
)

// SurrogateMap maintains the bijection between internal record identifiers
// and the opaque surrogate identifiers that stand in for them wherever data
// crosses into the derived index. The mapping itself is persisted in the
// authoritative store, never in the index.
//
// Implementations must be correct under concurrent Ensure calls for the same
// internal identifier across multiple process instances. The expected
// mechanism is a store-level uniqueness constraint plus read-after-conflict
// retry, not application-level locking.
type SurrogateMap interface {
	// Ensure returns the active surrogate for the given internal
	// identifier, creating one if none exists. The write participates in
	// the caller's transaction, so a rolled-back unit leaves no mapping
	// behind. A losing concurrent writer recovers by reading the committed
	// row; callers never observe the conflict.
	Ensure(ctx context.Context, tx Tx, internalID string) (string, error)
	// Resolve maps an active surrogate back to its internal identifier. It
	// returns an error satisfying IsSurrogateNotFoundError for unknown or
	// revoked surrogates.
	Resolve(ctx context.Context, surrogateID string) (string, error)
	// Revoke tombstones the active mapping for the given internal
	// identifier. The row is marked inactive, never deleted, so a revoked
	// surrogate can never be recycled; a subsequent Ensure allocates a
	// fresh surrogate. Revoking an identifier with no active mapping is a
	// no-op.
	Revoke(ctx context.Context, tx Tx, internalID string) error
}

// SurrogateIdentifier is one row of the surrogate mapping.
type SurrogateIdentifier struct {
	// SurrogateID is the opaque, index-safe token.
	SurrogateID string
	// InternalID is the authoritative record key the surrogate stands in
	// for.
	InternalID string
	// CreatedAt is when the mapping was first committed.
	CreatedAt time.Time
	// RevokedAt is when the mapping was tombstoned, if it was.
	RevokedAt *time.Time
}

// Active reports whether the mapping may still be used for new exports to
// the derived index.
func (s SurrogateIdentifier) Active() bool {
	return s.RevokedAt == nil
}
