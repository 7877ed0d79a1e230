package testcase

import (
	"context"
	"sync"
	"testing"

	"github.com/cardea-io/cardea"
	"github.com/cardea-io/cardea/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TxFactory begins a fresh transaction against the backing store for a
// surrogate map or compensation log under test.
type TxFactory func(ctx context.Context, t *testing.T) cardea.Tx

// SurrogateMapTestCase represents a unique test case for a surrogate map
// implementation.
type SurrogateMapTestCase func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory)

// SurrogateMapTests returns common test cases that all surrogate map
// implementations should support.
func SurrogateMapTests() map[string]SurrogateMapTestCase {
	return map[string]SurrogateMapTestCase{
		"EnsureReturnsStableSurrogateForSameInternalID": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			internalID := testutil.NewInternalID(t)

			tx := begin(ctx, t)
			first, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			require.NotZero(t, first)
			second, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			require.NoError(t, tx.Commit(ctx))

			tx = begin(ctx, t)
			defer func() { assert.NoError(t, tx.Commit(ctx)) }()
			third, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			assert.Equal(t, first, third)
		},
		"EnsureNeverEmbedsInternalIdentifier": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			internalID := testutil.NewInternalID(t)

			tx := begin(ctx, t)
			defer func() { assert.NoError(t, tx.Commit(ctx)) }()
			surrogateID, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			assert.NotContains(t, surrogateID, internalID)
		},
		"EnsureRemainsBijectiveUnderConcurrentCallers": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			const callers = 100
			internalIDs := make([]string, 10)
			for i := range internalIDs {
				internalIDs[i] = testutil.NewInternalID(t)
			}

			var wg sync.WaitGroup
			results := make([]map[string]string, callers)
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()

					tx := begin(ctx, t)
					seen := map[string]string{}
					for _, internalID := range internalIDs {
						surrogateID, err := m.Ensure(ctx, tx, internalID)
						if err != nil {
							errs[i] = err
							assert.NoError(t, tx.Rollback(ctx))
							return
						}
						seen[internalID] = surrogateID
					}
					if err := tx.Commit(ctx); err != nil {
						errs[i] = err
						return
					}
					results[i] = seen
				}(i)
			}
			wg.Wait()

			canonical := map[string]string{}
			tx := begin(ctx, t)
			defer func() { assert.NoError(t, tx.Commit(ctx)) }()
			for _, internalID := range internalIDs {
				surrogateID, err := m.Ensure(ctx, tx, internalID)
				require.NoError(t, err)
				canonical[internalID] = surrogateID
			}

			distinct := map[string]struct{}{}
			for _, surrogateID := range canonical {
				distinct[surrogateID] = struct{}{}
			}
			assert.Len(t, distinct, len(internalIDs))

			for i, seen := range results {
				if errs[i] != nil {
					continue
				}
				for internalID, surrogateID := range seen {
					assert.Equal(t, canonical[internalID], surrogateID)
				}
			}
		},
		"ResolveRoundTripsEnsuredSurrogate": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			internalID := testutil.NewInternalID(t)

			tx := begin(ctx, t)
			surrogateID, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			require.NoError(t, tx.Commit(ctx))

			resolved, err := m.Resolve(ctx, surrogateID)
			require.NoError(t, err)
			assert.Equal(t, internalID, resolved)
		},
		"ResolveFailsWithUnknownSurrogate": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			resolved, err := m.Resolve(ctx, "ca7ea000-0000-4000-8000-000000000000")
			assert.Error(t, err)
			assert.True(t, cardea.IsSurrogateNotFoundError(err))
			assert.Zero(t, resolved)
		},
		"RevokeThenEnsureAllocatesFreshSurrogate": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			internalID := testutil.NewInternalID(t)

			tx := begin(ctx, t)
			original, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			require.NoError(t, tx.Commit(ctx))

			tx = begin(ctx, t)
			require.NoError(t, m.Revoke(ctx, tx, internalID))
			require.NoError(t, tx.Commit(ctx))

			resolved, err := m.Resolve(ctx, original)
			assert.Error(t, err)
			assert.True(t, cardea.IsSurrogateNotFoundError(err))
			assert.Zero(t, resolved)

			tx = begin(ctx, t)
			fresh, err := m.Ensure(ctx, tx, internalID)
			require.NoError(t, err)
			require.NoError(t, tx.Commit(ctx))
			assert.NotEqual(t, original, fresh)

			resolved, err = m.Resolve(ctx, fresh)
			require.NoError(t, err)
			assert.Equal(t, internalID, resolved)
		},
		"RevokeIsIdempotentForUnknownInternalID": func(ctx context.Context, t *testing.T, m cardea.SurrogateMap, begin TxFactory) {
			tx := begin(ctx, t)
			defer func() { assert.NoError(t, tx.Commit(ctx)) }()
			assert.NoError(t, m.Revoke(ctx, tx, testutil.NewInternalID(t)))
		},
	}
}
