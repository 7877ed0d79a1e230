package cardea

import "context"

// DerivedIndex is the port to the secondary, rebuildable similarity-search
// store. The surrogate identifier is the only join key it ever sees - no
// payload or identifier that could be joined back to authoritative data may
// cross this boundary. That invariant is enforced by the transaction
// coordinator before any call is made, not merely assumed by convention.
//
// Implementations must be idempotent: upserting the same surrogate twice or
// deleting an absent surrogate must succeed, since reconciliation replays
// effects until they stick.
type DerivedIndex interface {
	// Upsert writes or overwrites the point keyed by the given surrogate.
	Upsert(ctx context.Context, surrogateID string, vector []float32, payload map[string]any) error
	// Delete removes the point keyed by the given surrogate if present.
	Delete(ctx context.Context, surrogateID string) error
	// Search returns the nearest points to the query vector. Hits are keyed
	// by surrogate; resolving them back to internal identifiers is the
	// caller's job via a SurrogateMap.
	Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error)
	// Close closes the index client and cleans up its resources.
	// Implementations should ensure that this is idempotent.
	Close(ctx context.Context) error
}

// SearchHit is one similarity-search result from the derived index.
type SearchHit struct {
	// SurrogateID keys the hit. It must be resolved through a SurrogateMap
	// to reach authoritative data.
	SurrogateID string
	// Score is the index's similarity score for the hit.
	Score float64
	// Payload is the index-side metadata stored with the point.
	Payload map[string]any
}
