package cardea

import (
	"context"
	"time"
)

// SecretBroker provides a common interface to interact with an external
// secrets storage and signing service and its mock implementation for
// testing. Implementations must handle retrying and backoff for transient
// transport failures, but must fail fast on authentication failures - a
// rejected credential is fatal to serving secret-dependent requests and is
// never silently retried.
type SecretBroker interface {
	// Authenticate establishes a time-bounded session with the broker.
	// Implementations must return an AuthError if the role credentials are
	// rejected or the broker is unreachable during login.
	Authenticate(ctx context.Context) error
	// Fetch reads versioned secret material by path. A version of 0 reads
	// the latest version. Implementations must distinguish missing secrets
	// (IsSecretNotFoundError) from denied access (IsAccessDeniedError).
	Fetch(ctx context.Context, path string, version int) (*Material, error)
	// Sign produces a signature over the given digest using a named signing
	// key whose private material never leaves the broker.
	Sign(ctx context.Context, keyName string, digest []byte) (*Signature, error)
	// VerificationKey returns the PEM-encoded public material for the given
	// version of a signing key, for verifying signatures after the session
	// or lease that produced them has expired.
	VerificationKey(ctx context.Context, keyName string, version int) ([]byte, error)
	// Close closes the broker session and cleans up its resources.
	// Implementations should ensure that this is idempotent.
	Close(ctx context.Context) error
}

// Material is the decrypted contents of one secret read from the broker
// along with its lease metadata. Material is only ever held in memory and
// must never be written to durable storage or logs.
type Material struct {
	// Data holds the secret's key-value contents.
	Data map[string]string
	// Version is the broker-side version of the secret.
	Version int
	// LeaseDuration is how long the broker considers this read valid. A
	// zero duration means the broker did not bound the lease.
	LeaseDuration time.Duration
	// Renewable reports whether the broker allows renewing this lease.
	Renewable bool
}

// Copy returns an independent copy of the material. Holders of a copy are
// unaffected when the original is zeroized, and vice versa.
func (m *Material) Copy() *Material {
	if m == nil {
		return nil
	}
	data := make(map[string]string, len(m.Data))
	for k, v := range m.Data {
		data[k] = v
	}
	return &Material{
		Data:          data,
		Version:       m.Version,
		LeaseDuration: m.LeaseDuration,
		Renewable:     m.Renewable,
	}
}

// Zeroize overwrites the secret contents in place. Callers that are done
// with material should zeroize it rather than waiting for garbage
// collection.
func (m *Material) Zeroize() {
	if m == nil {
		return
	}
	for k := range m.Data {
		m.Data[k] = ""
	}
	m.Data = nil
}

// Signature is the result of a broker-side signing operation.
type Signature struct {
	// Signature is the raw signature bytes as produced by the broker.
	Signature []byte
	// KeyVersion is the version of the signing key that produced the
	// signature. Verifiers resolve it to public material independently of
	// any live lease.
	KeyVersion int
}
