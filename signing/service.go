// Package signing issues and verifies JOSE ES256 tokens whose private
// signing material never leaves the secret broker. Issuance serializes
// claims deterministically and signs their digest broker-side; verification
// resolves the token's key version to cached public material and fails
// closed on any mismatch without distinguishing why.
package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/evergreen-ci/utility"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Service issues and verifies signed tokens through a cardea.SecretBroker.
// It is safe for concurrent use.
type Service struct {
	broker cardea.SecretBroker
	opts   *ServiceOptions

	mu sync.Mutex
	// latestVersion is the most recently observed signing key version,
	// used as the header's first guess on the next issuance.
	latestVersion int
	// keys caches parsed public verification material by key version.
	keys map[int]cachedKey
}

type cachedKey struct {
	key       *ecdsa.PublicKey
	fetchedAt time.Time
}

// NewService creates a signing service over the given broker.
func NewService(broker cardea.SecretBroker, opts ServiceOptions) (*Service, error) {
	if broker == nil {
		return nil, errors.New("missing broker")
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	return &Service{
		broker:        broker,
		opts:          &opts,
		latestVersion: 1,
		keys:          map[int]cachedKey{},
	}, nil
}

// Issue serializes the claims deterministically, signs their digest with the
// broker-side key, and returns a compact ES256 token. The key version that
// produced the signature is embedded in the header kid as "<key>/vN", so the
// token stays verifiable after the lease that produced it expires. Expiry is
// encoded in the claims, not tracked by the service.
func (s *Service) Issue(ctx context.Context, claims map[string]any, ttl time.Duration) (string, error) {
	now := time.Now()
	payload := map[string]any{}
	for k, v := range claims {
		payload[k] = v
	}
	payload["iat"] = now.Unix()
	payload["exp"] = now.Add(ttl).Unix()

	s.mu.Lock()
	version := s.latestVersion
	s.mu.Unlock()

	// The kid commits to a key version before the broker reports which
	// version actually signed. If the key was rotated since the last
	// issuance, the first attempt's signature will carry a newer version
	// than the header; re-sign once with the version the broker reported.
	for attempt := 0; attempt < 2; attempt++ {
		signingInput, err := encodeSigningInput(payload, utility.FromStringPtr(s.opts.KeyName), version)
		if err != nil {
			return "", err
		}

		digest := sha256.Sum256([]byte(signingInput))
		sig, err := s.broker.Sign(ctx, utility.FromStringPtr(s.opts.KeyName), digest[:])
		if err != nil {
			return "", errors.Wrap(err, "signing token digest")
		}

		s.mu.Lock()
		s.latestVersion = sig.KeyVersion
		s.mu.Unlock()

		if sig.KeyVersion != version {
			version = sig.KeyVersion
			continue
		}

		raw, err := derToRawSignature(sig.Signature)
		if err != nil {
			return "", err
		}
		return signingInput + "." + base64.RawURLEncoding.EncodeToString(raw), nil
	}

	return "", errors.Wrap(cardea.ErrSigningFailed, "signing key version changed twice during issuance")
}

// encodeSigningInput builds the "<header>.<payload>" compact segment. Both
// segments are JSON objects marshaled from maps, which encoding/json emits
// with sorted keys, so serialization is deterministic.
func encodeSigningInput(payload map[string]any, keyName string, version int) (string, error) {
	header := map[string]any{
		"alg": "ES256",
		"typ": "JWT",
		"kid": fmt.Sprintf("%s/v%d", keyName, version),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", errors.Wrap(err, "encoding header")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encoding claims")
	}
	return base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(payloadJSON), nil
}

// derToRawSignature converts a DER-encoded ECDSA signature to the fixed
// 64-byte r||s form JOSE requires.
func derToRawSignature(der []byte) ([]byte, error) {
	var parsed struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return nil, errors.Wrap(err, "parsing DER signature")
	}
	if parsed.R.Sign() < 0 || parsed.S.Sign() < 0 || parsed.R.BitLen() > 256 || parsed.S.BitLen() > 256 {
		return nil, errors.New("signature components do not fit a 256-bit curve")
	}
	raw := make([]byte, 64)
	parsed.R.FillBytes(raw[:32])
	parsed.S.FillBytes(raw[32:])
	return raw, nil
}

// Verify parses and verifies a token issued by this service. Any failure -
// bad signature, expired or not-yet-valid claims, malformed payload, wrong
// key, unknown key version - is reported uniformly as
// cardea.ErrInvalidToken; a token is never partially trusted and callers
// never learn why one was rejected.
func (s *Service) Verify(ctx context.Context, token string) (map[string]any, error) {
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			version, err := s.parseKid(kid)
			if err != nil {
				return nil, err
			}
			return s.verificationKey(ctx, version)
		},
		jwt.WithValidMethods([]string{"ES256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.WithStack(cardea.ErrInvalidToken)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.WithStack(cardea.ErrInvalidToken)
	}
	return claims, nil
}

// parseKid extracts the key version from a "<key>/vN" kid, rejecting tokens
// signed by any other key.
func (s *Service) parseKid(kid string) (int, error) {
	prefix := utility.FromStringPtr(s.opts.KeyName) + "/v"
	if !strings.HasPrefix(kid, prefix) {
		return 0, errors.New("unrecognized signing key")
	}
	var version int
	if _, err := fmt.Sscanf(strings.TrimPrefix(kid, prefix), "%d", &version); err != nil || version <= 0 {
		return 0, errors.New("malformed key version")
	}
	return version, nil
}

// verificationKey returns the public key for the given version, fetching it
// from the broker when the cached copy is missing or past its TTL.
func (s *Service) verificationKey(ctx context.Context, version int) (*ecdsa.PublicKey, error) {
	s.mu.Lock()
	cached, ok := s.keys[version]
	s.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < *s.opts.VerificationKeyTTL {
		return cached.key, nil
	}

	pemBytes, err := s.broker.VerificationKey(ctx, utility.FromStringPtr(s.opts.KeyName), version)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching verification key version %d", version)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("verification material is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing verification key")
	}
	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("verification key is not an ECDSA key")
	}

	s.mu.Lock()
	s.keys[version] = cachedKey{key: ecKey, fetchedAt: time.Now()}
	s.mu.Unlock()

	return ecKey, nil
}
