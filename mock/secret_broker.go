package mock

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/pkg/errors"
)

// StoredSecret is a representation of a secret kept in the global secret
// storage cache.
type StoredSecret struct {
	Path          string
	Data          map[string]string
	Version       int
	LeaseDuration time.Duration
	Renewable     bool
}

// GlobalSecretStore is a global secret storage cache that provides a
// simplified in-memory implementation of a secrets storage service. This can
// be used indirectly with the SecretBroker to access and modify secrets, or
// used directly.
var GlobalSecretStore map[string]StoredSecret

// GlobalSigningKeys holds the signing key versions backing the mock
// broker's Sign and VerificationKey operations, by key name. Version N is
// element N-1.
var GlobalSigningKeys map[string][]*ecdsa.PrivateKey

var globalMu sync.Mutex

func init() {
	ResetGlobalSecretStore()
}

// ResetGlobalSecretStore resets the global fake secret storage cache and
// signing keys to an initialized but clean state.
func ResetGlobalSecretStore() {
	globalMu.Lock()
	defer globalMu.Unlock()
	GlobalSecretStore = map[string]StoredSecret{}
	GlobalSigningKeys = map[string][]*ecdsa.PrivateKey{}
}

// PutSecret stores a secret in the global cache, bumping its version if it
// already exists.
func PutSecret(path string, data map[string]string, leaseDuration time.Duration) StoredSecret {
	globalMu.Lock()
	defer globalMu.Unlock()

	s := StoredSecret{
		Path:          path,
		Data:          data,
		Version:       GlobalSecretStore[path].Version + 1,
		LeaseDuration: leaseDuration,
		Renewable:     true,
	}
	GlobalSecretStore[path] = s
	return s
}

// CreateSigningKey generates a new P-256 signing key version for the named
// key and returns its version number.
func CreateSigningKey(keyName string) (int, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return 0, errors.Wrap(err, "generating signing key")
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	GlobalSigningKeys[keyName] = append(GlobalSigningKeys[keyName], key)
	return len(GlobalSigningKeys[keyName]), nil
}

// SecretBroker provides a mock implementation of a cardea.SecretBroker. This
// makes it possible to introspect on inputs to the broker and control the
// broker's output. It provides some default implementations where possible.
// By default, it will issue operations against the fake GlobalSecretStore
// and GlobalSigningKeys.
type SecretBroker struct {
	AuthenticateError error
	AuthenticateCalls int

	FetchInput  []string
	FetchOutput *cardea.Material
	FetchError  error
	// FetchDelay simulates broker latency on every fetch.
	FetchDelay time.Duration
	FetchCalls int

	SignInput  []byte
	SignOutput *cardea.Signature
	SignError  error
	SignCalls  int

	VerificationKeyError error

	CloseError error

	mu            sync.Mutex
	authenticated bool
	authFailed    bool
}

// Authenticate establishes a fake session. The mock output can be
// customized; an injected error latches like the real broker's
// authentication failure.
func (b *SecretBroker) Authenticate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.AuthenticateCalls++
	if b.AuthenticateError != nil {
		b.authFailed = true
		return cardea.NewAuthError(b.AuthenticateError)
	}
	b.authenticated = true
	return nil
}

func (b *SecretBroker) checkSession(ctx context.Context) error {
	b.mu.Lock()
	failed := b.authFailed
	authenticated := b.authenticated
	b.mu.Unlock()

	if failed {
		return cardea.NewAuthError(errors.New("authentication previously failed"))
	}
	if !authenticated {
		return b.Authenticate(ctx)
	}
	return nil
}

// Fetch saves the input path and returns the secret stored at it. The mock
// output can be customized. By default, it reads the fake GlobalSecretStore.
func (b *SecretBroker) Fetch(ctx context.Context, path string, version int) (*cardea.Material, error) {
	b.mu.Lock()
	b.FetchInput = append(b.FetchInput, path)
	b.FetchCalls++
	delay := b.FetchDelay
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := b.checkSession(ctx); err != nil {
		return nil, err
	}
	if b.FetchError != nil {
		return nil, b.FetchError
	}
	if b.FetchOutput != nil {
		return b.FetchOutput, nil
	}

	globalMu.Lock()
	s, ok := GlobalSecretStore[path]
	globalMu.Unlock()
	if !ok {
		return nil, cardea.NewSecretNotFoundError(path)
	}
	if version != 0 && version != s.Version {
		return nil, cardea.NewSecretNotFoundError(path)
	}

	data := map[string]string{}
	for k, v := range s.Data {
		data[k] = v
	}
	return &cardea.Material{
		Data:          data,
		Version:       s.Version,
		LeaseDuration: s.LeaseDuration,
		Renewable:     s.Renewable,
	}, nil
}

// Sign saves the input digest and signs it with the latest version of the
// named fake signing key. The mock output can be customized.
func (b *SecretBroker) Sign(ctx context.Context, keyName string, digest []byte) (*cardea.Signature, error) {
	b.mu.Lock()
	b.SignInput = digest
	b.SignCalls++
	b.mu.Unlock()

	if err := b.checkSession(ctx); err != nil {
		return nil, err
	}
	if b.SignError != nil {
		return nil, b.SignError
	}
	if b.SignOutput != nil {
		return b.SignOutput, nil
	}

	globalMu.Lock()
	versions := GlobalSigningKeys[keyName]
	globalMu.Unlock()
	if len(versions) == 0 {
		return nil, errors.Wrapf(cardea.ErrSigningFailed, "no such signing key '%s'", keyName)
	}

	key := versions[len(versions)-1]
	der, err := ecdsa.SignASN1(rand.Reader, key, digest)
	if err != nil {
		return nil, errors.Wrap(cardea.ErrSigningFailed, err.Error())
	}
	return &cardea.Signature{Signature: der, KeyVersion: len(versions)}, nil
}

// VerificationKey returns the PEM-encoded public half of the given fake
// signing key version.
func (b *SecretBroker) VerificationKey(ctx context.Context, keyName string, version int) ([]byte, error) {
	if err := b.checkSession(ctx); err != nil {
		return nil, err
	}
	if b.VerificationKeyError != nil {
		return nil, b.VerificationKeyError
	}

	globalMu.Lock()
	versions := GlobalSigningKeys[keyName]
	globalMu.Unlock()
	if version < 1 || version > len(versions) {
		return nil, cardea.NewSecretNotFoundError(keyName)
	}

	der, err := x509.MarshalPKIXPublicKey(&versions[version-1].PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// FetchCallCount returns FetchCalls, safe to read while other goroutines
// are still using the broker.
func (b *SecretBroker) FetchCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.FetchCalls
}

// Close closes the mock broker session.
func (b *SecretBroker) Close(ctx context.Context) error {
	if b.CloseError != nil {
		return b.CloseError
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authenticated = false
	return nil
}
