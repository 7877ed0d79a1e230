package signing

import (
	"time"

	"github.com/mongodb/grip"
)

// ServiceOptions configure the signing service.
type ServiceOptions struct {
	// KeyName is the broker-side signing key. Required.
	KeyName *string
	// VerificationKeyTTL is how long fetched public verification material
	// is cached per key version. Defaults to 1 hour.
	VerificationKeyTTL *time.Duration
}

// NewServiceOptions returns new unconfigured service options.
func NewServiceOptions() *ServiceOptions {
	return &ServiceOptions{}
}

// SetKeyName sets the broker-side signing key name.
func (o *ServiceOptions) SetKeyName(name string) *ServiceOptions {
	o.KeyName = &name
	return o
}

// SetVerificationKeyTTL sets the public-material cache lifetime.
func (o *ServiceOptions) SetVerificationKeyTTL(ttl time.Duration) *ServiceOptions {
	o.VerificationKeyTTL = &ttl
	return o
}

// Validate checks that all required fields are given and sets defaults for
// unspecified options.
func (o *ServiceOptions) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.KeyName == nil || *o.KeyName == "", "must provide a signing key name")
	catcher.NewWhen(o.VerificationKeyTTL != nil && *o.VerificationKeyTTL <= 0, "verification key TTL must be positive")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	if o.VerificationKeyTTL == nil {
		ttl := time.Hour
		o.VerificationKeyTTL = &ttl
	}

	return nil
}
