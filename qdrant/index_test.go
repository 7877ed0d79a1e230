package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollection = "chunks"

// fakeIndex is an httptest stand-in for the Qdrant points API.
type fakeIndex struct {
	t   *testing.T
	srv *httptest.Server

	mu                sync.Mutex
	collectionExists  bool
	collectionCreates int
	upsertCalls       int
	// failUpserts makes the next N upserts return a 503.
	failUpserts int

	lastUpsert map[string]any
	lastDelete map[string]any
	lastSearch map[string]any
}

func newFakeIndex(t *testing.T) *fakeIndex {
	f := &fakeIndex{t: t}
	mux := http.NewServeMux()

	mux.HandleFunc("/collections/"+testCollection, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			if !f.collectionExists {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodPut:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vectors, ok := body["vectors"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "Cosine", vectors["distance"])
			f.collectionExists = true
			f.collectionCreates++
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/collections/"+testCollection+"/points", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		f.upsertCalls++
		if f.failUpserts > 0 {
			f.failUpserts--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastUpsert))
	})

	mux.HandleFunc("/collections/"+testCollection+"/points/delete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastDelete))
	})

	mux.HandleFunc("/collections/"+testCollection+"/points/search", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastSearch))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"id": "surrogate-a", "score": 0.93, "payload": map[string]any{"source": "s3"}},
				{"id": "surrogate-b", "score": 0.87, "payload": nil},
			},
		}))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIndex) index(t *testing.T) *Index {
	idx, err := NewIndex(*NewIndexOptions().
		SetAddress(f.srv.URL).
		SetCollection(testCollection).
		SetVectorSize(2).
		SetHTTPClient(f.srv.Client()).
		SetRetryOptions(utility.RetryOptions{MaxAttempts: 3, MinDelay: time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, idx.Close(ctx))
	})
	return idx
}

func TestIndexOptions(t *testing.T) {
	t.Run("FailsWithMissingAddress", func(t *testing.T) {
		assert.Error(t, NewIndexOptions().SetCollection(testCollection).Validate())
	})
	t.Run("FailsWithMissingCollection", func(t *testing.T) {
		assert.Error(t, NewIndexOptions().SetAddress("http://qdrant:6333").Validate())
	})
	t.Run("FailsWithNonPositiveVectorSize", func(t *testing.T) {
		assert.Error(t, NewIndexOptions().SetAddress("http://qdrant:6333").SetCollection(testCollection).SetVectorSize(0).Validate())
	})
	t.Run("SetsDefaults", func(t *testing.T) {
		opts := NewIndexOptions().SetAddress("http://qdrant:6333/").SetCollection(testCollection)
		require.NoError(t, opts.Validate())
		assert.Equal(t, "http://qdrant:6333", utility.FromStringPtr(opts.Address))
		assert.Equal(t, 30*time.Second, *opts.RequestTimeout)
		assert.NotZero(t, opts.HTTPClient)
		opts.Close()
	})
}

func TestIndex(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("FailsWithInvalidOptions", func(t *testing.T) {
		_, err := NewIndex(*NewIndexOptions())
		assert.Error(t, err)
	})

	t.Run("EnsureCollectionCreatesMissingCollection", func(t *testing.T) {
		f := newFakeIndex(t)
		idx := f.index(t)

		require.NoError(t, idx.EnsureCollection(ctx))
		assert.Equal(t, 1, f.collectionCreates)

		// A second call finds the collection and does not recreate it.
		require.NoError(t, idx.EnsureCollection(ctx))
		assert.Equal(t, 1, f.collectionCreates)
	})

	t.Run("EnsureCollectionFailsWithoutVectorSize", func(t *testing.T) {
		f := newFakeIndex(t)
		idx, err := NewIndex(*NewIndexOptions().
			SetAddress(f.srv.URL).
			SetCollection(testCollection).
			SetHTTPClient(f.srv.Client()))
		require.NoError(t, err)

		assert.Error(t, idx.EnsureCollection(ctx))
	})

	t.Run("UpsertSendsSurrogateKeyedPoint", func(t *testing.T) {
		f := newFakeIndex(t)
		idx := f.index(t)

		require.NoError(t, idx.Upsert(ctx, "surrogate-a", []float32{0.1, 0.2}, map[string]any{"source": "s3"}))

		points, ok := f.lastUpsert["points"].([]any)
		require.True(t, ok)
		require.Len(t, points, 1)
		point, ok := points[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "surrogate-a", point["id"])
		assert.Equal(t, map[string]any{"source": "s3"}, point["payload"])
	})

	t.Run("UpsertRetriesTransientFailures", func(t *testing.T) {
		f := newFakeIndex(t)
		f.failUpserts = 2
		idx := f.index(t)

		require.NoError(t, idx.Upsert(ctx, "surrogate-a", []float32{0.1, 0.2}, nil))
		assert.Equal(t, 3, f.upsertCalls)
	})

	t.Run("UpsertFailsWhenRetriesAreExhausted", func(t *testing.T) {
		f := newFakeIndex(t)
		f.failUpserts = 10
		idx := f.index(t)

		assert.Error(t, idx.Upsert(ctx, "surrogate-a", []float32{0.1, 0.2}, nil))
		assert.Equal(t, 3, f.upsertCalls)
	})

	t.Run("DeleteSendsSurrogateKey", func(t *testing.T) {
		f := newFakeIndex(t)
		idx := f.index(t)

		require.NoError(t, idx.Delete(ctx, "surrogate-a"))
		assert.Equal(t, []any{"surrogate-a"}, f.lastDelete["points"])
	})

	t.Run("SearchReturnsSurrogateKeyedHits", func(t *testing.T) {
		f := newFakeIndex(t)
		idx := f.index(t)

		hits, err := idx.Search(ctx, []float32{0.1, 0.2}, 5)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "surrogate-a", hits[0].SurrogateID)
		assert.Equal(t, 0.93, hits[0].Score)
		assert.Equal(t, "s3", hits[0].Payload["source"])
		assert.Equal(t, "surrogate-b", hits[1].SurrogateID)

		assert.Equal(t, true, f.lastSearch["with_payload"])
		assert.Equal(t, float64(5), f.lastSearch["limit"])
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		f := newFakeIndex(t)
		idx, err := NewIndex(*NewIndexOptions().
			SetAddress(f.srv.URL).
			SetCollection(testCollection).
			SetHTTPClient(f.srv.Client()))
		require.NoError(t, err)
		assert.NoError(t, idx.Close(ctx))
		assert.NoError(t, idx.Close(ctx))
	})
}
