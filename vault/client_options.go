package vault

import (
	"net/http"
	"strings"
	"time"

	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
)

// ClientOptions represent secret broker client options such as the broker
// address, role credentials, and request behavior.
type ClientOptions struct {
	// Address is the base URL of the broker, e.g. https://vault.internal:8200.
	Address *string
	// RoleID is the AppRole role identifier used to authenticate.
	RoleID *string
	// SecretID is the AppRole secret identifier used to authenticate.
	SecretID *string
	// TransitMount is the mount path of the transit engine used for signing.
	// Defaults to "transit".
	TransitMount *string
	// RequestTimeout bounds each individual broker request. Defaults to 10
	// seconds.
	RequestTimeout *time.Duration
	// RetryOpts sets the retry policy for transient transport failures.
	// Authentication rejections are never retried.
	RetryOpts *utility.RetryOptions
	// HTTPClient is the HTTP client to use to make requests.
	HTTPClient *http.Client

	ownsHTTPClient bool
}

// NewClientOptions returns new unconfigured client options.
func NewClientOptions() *ClientOptions {
	return &ClientOptions{}
}

// SetAddress sets the broker base URL.
func (o *ClientOptions) SetAddress(addr string) *ClientOptions {
	o.Address = &addr
	return o
}

// SetRoleID sets the AppRole role identifier.
func (o *ClientOptions) SetRoleID(roleID string) *ClientOptions {
	o.RoleID = &roleID
	return o
}

// SetSecretID sets the AppRole secret identifier.
func (o *ClientOptions) SetSecretID(secretID string) *ClientOptions {
	o.SecretID = &secretID
	return o
}

// SetTransitMount sets the mount path of the transit engine.
func (o *ClientOptions) SetTransitMount(mount string) *ClientOptions {
	o.TransitMount = &mount
	return o
}

// SetRequestTimeout sets the per-request timeout.
func (o *ClientOptions) SetRequestTimeout(timeout time.Duration) *ClientOptions {
	o.RequestTimeout = &timeout
	return o
}

// SetRetryOptions sets the client's retry options.
func (o *ClientOptions) SetRetryOptions(opts utility.RetryOptions) *ClientOptions {
	o.RetryOpts = &opts
	return o
}

// SetHTTPClient sets the HTTP client to use.
func (o *ClientOptions) SetHTTPClient(hc *http.Client) *ClientOptions {
	o.HTTPClient = hc
	return o
}

// Validate checks that all required fields are given and sets defaults for
// unspecified options.
func (o *ClientOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(utility.FromStringPtr(o.Address) == "", "must provide the broker address")
	catcher.NewWhen(utility.FromStringPtr(o.RoleID) == "", "must provide a role ID")
	catcher.NewWhen(utility.FromStringPtr(o.SecretID) == "", "must provide a secret ID")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	o.Address = utility.ToStringPtr(strings.TrimSuffix(utility.FromStringPtr(o.Address), "/"))

	if o.TransitMount == nil {
		o.TransitMount = utility.ToStringPtr("transit")
	}

	if o.RequestTimeout == nil {
		timeout := 10 * time.Second
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
func (o *ClientOptions) Close() {
	if o.ownsHTTPClient {
		utility.PutHTTPClient(o.HTTPClient)
	}
}
