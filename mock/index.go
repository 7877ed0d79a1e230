package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/cardea-io/cardea"
)

// IndexPoint is one point stored in the mock derived index.
type IndexPoint struct {
	SurrogateID string
	Vector      []float32
	Payload     map[string]any
}

// DerivedIndex provides a mock implementation of a cardea.DerivedIndex.
// This makes it possible to introspect on inputs to the index and control
// the index's output. By default it stores points in memory and answers
// searches by cosine similarity.
type DerivedIndex struct {
	UpsertInput *IndexPoint
	UpsertError error
	// FailUpserts fails the next N upserts before the default behavior
	// resumes, for deterministic fail-then-recover sequences.
	FailUpserts int

	DeleteInput string
	DeleteError error

	SearchError error

	CloseError error

	mu     sync.Mutex
	points map[string]IndexPoint
}

// NewDerivedIndex creates an empty in-memory derived index.
func NewDerivedIndex() *DerivedIndex {
	return &DerivedIndex{points: map[string]IndexPoint{}}
}

// Upsert saves the input and stores the point. The mock output can be
// customized.
func (i *DerivedIndex) Upsert(ctx context.Context, surrogateID string, vector []float32, payload map[string]any) error {
	point := IndexPoint{SurrogateID: surrogateID, Vector: vector, Payload: payload}

	i.mu.Lock()
	i.UpsertInput = &point
	if i.FailUpserts > 0 {
		i.FailUpserts--
		i.mu.Unlock()
		return errIndexUnavailable
	}
	err := i.UpsertError
	if err == nil {
		i.points[surrogateID] = point
	}
	i.mu.Unlock()

	return err
}

// Delete saves the input and removes the point if present.
func (i *DerivedIndex) Delete(ctx context.Context, surrogateID string) error {
	i.mu.Lock()
	i.DeleteInput = surrogateID
	err := i.DeleteError
	if err == nil {
		delete(i.points, surrogateID)
	}
	i.mu.Unlock()

	return err
}

// Search returns stored points ordered by cosine similarity to the query
// vector.
func (i *DerivedIndex) Search(ctx context.Context, vector []float32, limit int) ([]cardea.SearchHit, error) {
	if i.SearchError != nil {
		return nil, i.SearchError
	}

	i.mu.Lock()
	hits := make([]cardea.SearchHit, 0, len(i.points))
	for _, p := range i.points {
		hits = append(hits, cardea.SearchHit{
			SurrogateID: p.SurrogateID,
			Score:       cosineSimilarity(vector, p.Vector),
			Payload:     p.Payload,
		})
	}
	i.mu.Unlock()

	sort.Slice(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Close closes the mock index.
func (i *DerivedIndex) Close(ctx context.Context) error {
	return i.CloseError
}

// Point returns the stored point for the surrogate, if any.
func (i *DerivedIndex) Point(surrogateID string) (IndexPoint, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[surrogateID]
	return p, ok
}

// PointCount returns how many points the index holds.
func (i *DerivedIndex) PointCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.points)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
