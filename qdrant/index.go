// Package qdrant provides a cardea.DerivedIndex implementation backed by the
// Qdrant HTTP API. Points are keyed by surrogate identifier only; nothing in
// this package ever sees an internal identifier.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cardea-io/cardea"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Index provides a cardea.DerivedIndex implementation that wraps the Qdrant
// points API. It supports retrying requests using exponential backoff and
// jitter. Upserts and deletes are idempotent, as reconciliation replay
// requires.
type Index struct {
	opts *IndexOptions

	closeOnce sync.Once
}

// NewIndex creates a new derived-index client from the given options.
func NewIndex(opts IndexOptions) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Index{opts: &opts}, nil
}

// EnsureCollection creates the collection if it does not already exist.
func (i *Index) EnsureCollection(ctx context.Context) error {
	collection := utility.FromStringPtr(i.opts.Collection)

	status, err := i.retryRequest(ctx, "EnsureCollection", http.MethodGet, fmt.Sprintf("/collections/%s", collection), nil, nil)
	if err != nil {
		return errors.Wrapf(err, "checking collection '%s'", collection)
	}
	if status == http.StatusOK {
		return nil
	}

	if i.opts.VectorSize == nil {
		return errors.Errorf("collection '%s' does not exist and no vector size was given to create it", collection)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     *i.opts.VectorSize,
			"distance": "Cosine",
		},
	}
	status, err = i.retryRequest(ctx, "CreateCollection", http.MethodPut, fmt.Sprintf("/collections/%s", collection), body, nil)
	if err != nil {
		return errors.Wrapf(err, "creating collection '%s'", collection)
	}
	if status != http.StatusOK {
		return errors.Errorf("index returned status %d creating collection '%s'", status, collection)
	}
	return nil
}

// Upsert writes or overwrites the point keyed by the given surrogate.
func (i *Index) Upsert(ctx context.Context, surrogateID string, vector []float32, payload map[string]any) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":      surrogateID,
			"vector":  vector,
			"payload": payload,
		}},
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", utility.FromStringPtr(i.opts.Collection))
	status, err := i.retryRequest(ctx, "Upsert", http.MethodPut, path, body, nil)
	if err != nil {
		return errors.Wrapf(err, "upserting point for surrogate '%s'", surrogateID)
	}
	if status != http.StatusOK {
		return errors.Errorf("index returned status %d upserting point for surrogate '%s'", status, surrogateID)
	}
	return nil
}

// Delete removes the point keyed by the given surrogate if present.
func (i *Index) Delete(ctx context.Context, surrogateID string) error {
	body := map[string]any{
		"points": []string{surrogateID},
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", utility.FromStringPtr(i.opts.Collection))
	status, err := i.retryRequest(ctx, "Delete", http.MethodPost, path, body, nil)
	if err != nil {
		return errors.Wrapf(err, "deleting point for surrogate '%s'", surrogateID)
	}
	if status != http.StatusOK {
		return errors.Errorf("index returned status %d deleting point for surrogate '%s'", status, surrogateID)
	}
	return nil
}

type searchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search returns the nearest points to the query vector, keyed by surrogate.
func (i *Index) Search(ctx context.Context, vector []float32, limit int) ([]cardea.SearchHit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	path := fmt.Sprintf("/collections/%s/points/search", utility.FromStringPtr(i.opts.Collection))

	var out searchResponse
	status, err := i.retryRequest(ctx, "Search", http.MethodPost, path, body, &out)
	if err != nil {
		return nil, errors.Wrap(err, "searching index")
	}
	if status != http.StatusOK {
		return nil, errors.Errorf("index returned status %d searching", status)
	}

	hits := make([]cardea.SearchHit, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, cardea.SearchHit{
			SurrogateID: r.ID,
			Score:       r.Score,
			Payload:     r.Payload,
		})
	}
	return hits, nil
}

// Close closes the index client and cleans up its resources.
func (i *Index) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.opts.Close()
	})
	return nil
}

// retryRequest issues one index request with the configured retry policy,
// retrying transport failures and server errors.
func (i *Index) retryRequest(ctx context.Context, op, method, path string, body, out any) (int, error) {
	var status int
	err := utility.Retry(ctx, func() (bool, error) {
		var err error
		status, err = i.do(ctx, method, path, body, out)
		if err == nil && status >= http.StatusInternalServerError {
			err = errors.Errorf("index returned status %d", status)
		}
		if err != nil {
			grip.Debug(message.WrapError(err, message.Fields{
				"message": "index request failed",
				"op":      op,
			}))
			return true, err
		}
		return false, nil
	}, *i.opts.RetryOpts)
	return status, err
}

// do issues one HTTP request against the index and decodes the JSON response
// into out when a body is expected.
func (i *Index) do(ctx context.Context, method, path string, body, out any) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, *i.opts.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "encoding request body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	url := utility.FromStringPtr(i.opts.Address) + path
	req, err := http.NewRequestWithContext(reqCtx, method, url, reqBody)
	if err != nil {
		return 0, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")
	if key := utility.FromStringPtr(i.opts.APIKey); key != "" {
		req.Header.Set("api-key", key)
	}

	resp, err := i.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "sending request")
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decoding response")
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return resp.StatusCode, nil
}
