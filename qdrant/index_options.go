package qdrant

import (
	"net/http"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
)

// IndexOptions represent derived-index client options such as the index
// address, collection, and request behavior.
type IndexOptions struct {
	// Address is the base URL of the index, e.g. http://qdrant.internal:6333.
	Address *string
	// Collection is the collection that holds the points.
	Collection *string
	// VectorSize is the embedding dimensionality, used when bootstrapping
	// the collection.
	VectorSize *int
	// APIKey optionally authenticates requests to the index.
	APIKey *string
	// RequestTimeout bounds each individual index request. Defaults to 30
	// seconds.
	RequestTimeout *time.Duration
	// RetryOpts sets the retry policy for transient transport failures.
	RetryOpts *utility.RetryOptions
	// HTTPClient is the HTTP client to use to make requests.
	HTTPClient *http.Client

	ownsHTTPClient bool
}

// NewIndexOptions returns new unconfigured index options.
func NewIndexOptions() *IndexOptions {
	return &IndexOptions{}
}

// SetAddress sets the index base URL.
func (o *IndexOptions) SetAddress(addr string) *IndexOptions {
	o.Address = &addr
	return o
}

// SetCollection sets the collection name.
func (o *IndexOptions) SetCollection(collection string) *IndexOptions {
	o.Collection = &collection
	return o
}

// SetVectorSize sets the embedding dimensionality.
func (o *IndexOptions) SetVectorSize(size int) *IndexOptions {
	o.VectorSize = &size
	return o
}

// SetAPIKey sets the index API key.
func (o *IndexOptions) SetAPIKey(key string) *IndexOptions {
	o.APIKey = &key
	return o
}

// SetRequestTimeout sets the per-request timeout.
func (o *IndexOptions) SetRequestTimeout(timeout time.Duration) *IndexOptions {
	o.RequestTimeout = &timeout
	return o
}

// SetRetryOptions sets the client's retry options.
func (o *IndexOptions) SetRetryOptions(opts utility.RetryOptions) *IndexOptions {
	o.RetryOpts = &opts
	return o
}

// SetHTTPClient sets the HTTP client to use.
func (o *IndexOptions) SetHTTPClient(hc *http.Client) *IndexOptions {
	o.HTTPClient = hc
	return o
}

// Validate checks that all required fields are given and sets defaults for
// unspecified options.
func (o *IndexOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(utility.FromStringPtr(o.Address) == "", "must provide the index address")
	catcher.NewWhen(utility.FromStringPtr(o.Collection) == "", "must provide a collection name")
	catcher.NewWhen(o.VectorSize != nil && *o.VectorSize <= 0, "vector size must be positive")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	o.Address = utility.ToStringPtr(strings.TrimSuffix(utility.FromStringPtr(o.Address), "/"))

	if o.RequestTimeout == nil {
		timeout := 30 * time.Second
		o.RequestTimeout = &timeout
	}

	if o.RetryOpts == nil {
		o.RetryOpts = &utility.RetryOptions{}
	}

	if o.HTTPClient == nil {
		o.HTTPClient = utility.GetHTTPClient()
		o.ownsHTTPClient = true
	}

	return nil
}

// Close cleans up the options' resources.
func (o *IndexOptions) Close() {
	if o.ownsHTTPClient {
		utility.PutHTTPClient(o.HTTPClient)
	}
}
