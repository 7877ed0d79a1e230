package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for tName, tCase := range map[string]func(ctx context.Context, t *testing.T, idx *DerivedIndex){
		"UpsertStoresPoint": func(ctx context.Context, t *testing.T, idx *DerivedIndex) {
			require.NoError(t, idx.Upsert(ctx, "surrogate-a", []float32{1, 0}, map[string]any{"source": "s3"}))

			p, ok := idx.Point("surrogate-a")
			require.True(t, ok)
			assert.Equal(t, []float32{1, 0}, p.Vector)
			assert.Equal(t, "s3", p.Payload["source"])
			assert.Equal(t, "surrogate-a", idx.UpsertInput.SurrogateID)
		},
		"DeleteRemovesPoint": func(ctx context.Context, t *testing.T, idx *DerivedIndex) {
			require.NoError(t, idx.Upsert(ctx, "surrogate-a", []float32{1, 0}, nil))
			require.NoError(t, idx.Delete(ctx, "surrogate-a"))

			_, ok := idx.Point("surrogate-a")
			assert.False(t, ok)
			assert.Equal(t, "surrogate-a", idx.DeleteInput)
			assert.Zero(t, idx.PointCount())
		},
		"SearchOrdersByCosineSimilarity": func(ctx context.Context, t *testing.T, idx *DerivedIndex) {
			require.NoError(t, idx.Upsert(ctx, "aligned", []float32{1, 0}, nil))
			require.NoError(t, idx.Upsert(ctx, "orthogonal", []float32{0, 1}, nil))
			require.NoError(t, idx.Upsert(ctx, "close", []float32{1, 0.1}, nil))

			hits, err := idx.Search(ctx, []float32{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "aligned", hits[0].SurrogateID)
			assert.Equal(t, "close", hits[1].SurrogateID)
			assert.Greater(t, hits[0].Score, hits[1].Score)
		},
		"FailUpsertsCountsDown": func(ctx context.Context, t *testing.T, idx *DerivedIndex) {
			idx.FailUpserts = 2
			assert.Error(t, idx.Upsert(ctx, "surrogate-a", []float32{1}, nil))
			assert.Error(t, idx.Upsert(ctx, "surrogate-a", []float32{1}, nil))
			assert.NoError(t, idx.Upsert(ctx, "surrogate-a", []float32{1}, nil))
			assert.Equal(t, 1, idx.PointCount())
		},
	} {
		t.Run(tName, func(t *testing.T) {
			tCase(ctx, t, NewDerivedIndex())
		})
	}
}
