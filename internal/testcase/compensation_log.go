package testcase

import (
	"context"
	"testing"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CompensationLogTestCase represents a unique test case for a compensation
// log implementation.
type CompensationLogTestCase func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory)

func newStagedEntry(t *testing.T) cardea.CompensationEntry {
	return cardea.CompensationEntry{
		ID:          uuid.NewString(),
		UnitName:    t.Name(),
		Kind:        cardea.EffectUpsert,
		SurrogateID: uuid.NewString(),
		Vector:      []float32{0.25, 0.5, 0.75},
		Payload:     map[string]any{"source": "test"},
		State:       cardea.CompensationStaged,
	}
}

func stageCommitted(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) cardea.CompensationEntry {
	entry := newStagedEntry(t)
	tx := begin(ctx, t)
	require.NoError(t, log.Stage(ctx, tx, entry))
	require.NoError(t, tx.Commit(ctx))
	return entry
}

// CompensationLogTests returns common test cases that all compensation log
// implementations should support.
func CompensationLogTests() map[string]CompensationLogTestCase {
	return map[string]CompensationLogTestCase{
		"StagedEntryIsInvisibleAfterRollback": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := newStagedEntry(t)
			tx := begin(ctx, t)
			require.NoError(t, log.Stage(ctx, tx, entry))
			require.NoError(t, tx.Rollback(ctx))

			assert.Error(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))
		},
		"MarkFailedMakesEntryEligibleForReconciliation": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := stageCommitted(ctx, t, log, begin)
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))

			failed, err := log.Unsettled(ctx, 0, 1000)
			require.NoError(t, err)
			var found *cardea.CompensationEntry
			for i := range failed {
				if failed[i].ID == entry.ID {
					found = &failed[i]
				}
			}
			require.NotNil(t, found)
			assert.Equal(t, cardea.CompensationIndexFailed, found.State)
			assert.Equal(t, 1, found.Attempts)
			assert.Equal(t, "index unavailable", found.LastError)
			assert.Equal(t, entry.SurrogateID, found.SurrogateID)
		},
		"MarkFailedIncrementsAttempts": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := stageCommitted(ctx, t, log, begin)
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "first"))
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "second"))

			failed, err := log.Unsettled(ctx, 0, 1000)
			require.NoError(t, err)
			for _, got := range failed {
				if got.ID == entry.ID {
					assert.Equal(t, 2, got.Attempts)
					assert.Equal(t, "second", got.LastError)
					return
				}
			}
			t.Fatal("entry not returned by Unsettled")
		},
		"MarkAppliedRemovesEntryFromUnsettledSet": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := stageCommitted(ctx, t, log, begin)
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))
			require.NoError(t, log.MarkApplied(ctx, entry.ID))

			failed, err := log.Unsettled(ctx, 0, 1000)
			require.NoError(t, err)
			for _, got := range failed {
				assert.NotEqual(t, entry.ID, got.ID)
			}
		},
		"AbandonIsTerminal": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := stageCommitted(ctx, t, log, begin)
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))
			require.NoError(t, log.Abandon(ctx, entry.ID))

			failed, err := log.Unsettled(ctx, 0, 1000)
			require.NoError(t, err)
			for _, got := range failed {
				assert.NotEqual(t, entry.ID, got.ID)
			}
		},
		"UnsettledIncludesStagedEntriesNeverSettled": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			// A crash between the authoritative commit and the synchronous
			// index application leaves the entry staged with no process
			// responsible for it. Reconciliation must see it.
			entry := stageCommitted(ctx, t, log, begin)

			unsettled, err := log.Unsettled(ctx, 0, 1000)
			require.NoError(t, err)
			var found *cardea.CompensationEntry
			for i := range unsettled {
				if unsettled[i].ID == entry.ID {
					found = &unsettled[i]
				}
			}
			require.NotNil(t, found)
			assert.Equal(t, cardea.CompensationStaged, found.State)
			assert.Zero(t, found.Attempts)

			// Inside the backoff threshold the entry is left alone so a
			// live unit's synchronous application is not raced.
			unsettled, err = log.Unsettled(ctx, time.Hour, 1000)
			require.NoError(t, err)
			for _, got := range unsettled {
				assert.NotEqual(t, entry.ID, got.ID)
			}
		},
		"UnsettledHonorsBackoffThreshold": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			entry := stageCommitted(ctx, t, log, begin)
			require.NoError(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))

			failed, err := log.Unsettled(ctx, time.Hour, 1000)
			require.NoError(t, err)
			for _, got := range failed {
				assert.NotEqual(t, entry.ID, got.ID)
			}
		},
		"TransitionsFailForUnknownEntry": func(ctx context.Context, t *testing.T, log cardea.CompensationLog, begin TxFactory) {
			id := uuid.NewString()
			assert.Error(t, log.MarkApplied(ctx, id))
			assert.Error(t, log.MarkFailed(ctx, id, "index unavailable"))
			assert.Error(t, log.Abandon(ctx, id))
		},
	}
}
