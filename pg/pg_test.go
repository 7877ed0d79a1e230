package pg

import (
	"context"
	"testing"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/cardea-io/cardea/internal/testcase"
	"github.com/cardea-io/cardea/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore connects to the database configured in the test environment and
// bootstraps the schema, skipping the test when none is configured.
func testStore(ctx context.Context, t *testing.T) *Store {
	url := testutil.PostgresURL(t)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Bootstrap(ctx, pool))

	s, err := NewStore(pool)
	require.NoError(t, err)
	return s
}

func beginner(s *Store) testcase.TxFactory {
	return func(ctx context.Context, t *testing.T) cardea.Tx {
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		return tx
	}
}

func TestSurrogateMap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := testStore(ctx, t)
	m, err := NewSurrogateMap(s)
	require.NoError(t, err)

	for tName, tCase := range testcase.SurrogateMapTests() {
		t.Run(tName, func(t *testing.T) {
			tCase(ctx, t, m, beginner(s))
		})
	}
}

func TestCompensationLog(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := testStore(ctx, t)
	log, err := NewCompensationLog(s)
	require.NoError(t, err)

	for tName, tCase := range testcase.CompensationLogTests() {
		t.Run(tName, func(t *testing.T) {
			tCase(ctx, t, log, beginner(s))
		})
	}

	t.Run("StageRoundTripsVectorAndPayload", func(t *testing.T) {
		entry := cardea.CompensationEntry{
			ID:          uuid.NewString(),
			UnitName:    t.Name(),
			Kind:        cardea.EffectUpsert,
			SurrogateID: uuid.NewString(),
			Vector:      []float32{0.25, -0.5},
			Payload:     map[string]any{"source": "s3://bucket/report.pdf", "page": float64(3)},
			State:       cardea.CompensationStaged,
		}
		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, log.Stage(ctx, tx, entry))
		require.NoError(t, tx.Commit(ctx))
		require.NoError(t, log.MarkFailed(ctx, entry.ID, "index unavailable"))

		failed, err := log.Unsettled(ctx, 0, 1000)
		require.NoError(t, err)
		for _, got := range failed {
			if got.ID != entry.ID {
				continue
			}
			assert.Equal(t, entry.Vector, got.Vector)
			assert.Equal(t, entry.Payload, got.Payload)
			assert.NotZero(t, got.CreatedAt)
			assert.NotZero(t, got.UpdatedAt)
			return
		}
		t.Fatal("entry not returned by Unsettled")
	})
}

func TestStoreTranslatesUniqueViolations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s := testStore(ctx, t)
	internalID := testutil.NewInternalID(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { assert.NoError(t, tx.Rollback(ctx)) }()

	require.NoError(t, tx.Exec(ctx, insertSurrogate, uuid.NewString(), internalID))
	err = tx.Exec(ctx, insertSurrogate, uuid.NewString(), internalID)
	assert.Error(t, err)
	assert.True(t, cardea.IsMappingConflictError(err))
}
