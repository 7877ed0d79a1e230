package signing

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/cardea-io/cardea"
	"github.com/cardea-io/cardea/mock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyName = "token-signing"

func TestServiceOptions(t *testing.T) {
	t.Run("FailsWithMissingKeyName", func(t *testing.T) {
		assert.Error(t, NewServiceOptions().Validate())
		assert.Error(t, NewServiceOptions().SetKeyName("").Validate())
	})
	t.Run("FailsWithNonPositiveVerificationKeyTTL", func(t *testing.T) {
		assert.Error(t, NewServiceOptions().SetKeyName(testKeyName).SetVerificationKeyTTL(0).Validate())
	})
	t.Run("SetsDefaults", func(t *testing.T) {
		opts := NewServiceOptions().SetKeyName(testKeyName)
		require.NoError(t, opts.Validate())
		assert.Equal(t, time.Hour, *opts.VerificationKeyTTL)
	})
}

func TestService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setup := func(t *testing.T) (*mock.SecretBroker, *Service) {
		mock.ResetGlobalSecretStore()
		t.Cleanup(mock.ResetGlobalSecretStore)
		_, err := mock.CreateSigningKey(testKeyName)
		require.NoError(t, err)

		broker := &mock.SecretBroker{}
		s, err := NewService(broker, *NewServiceOptions().SetKeyName(testKeyName))
		require.NoError(t, err)
		return broker, s
	}

	t.Run("FailsWithMissingBroker", func(t *testing.T) {
		_, err := NewService(nil, *NewServiceOptions().SetKeyName(testKeyName))
		assert.Error(t, err)
	})

	t.Run("IssueAndVerifyRoundTrip", func(t *testing.T) {
		_, s := setup(t)

		token, err := s.Issue(ctx, map[string]any{"sub": "tenant:7", "scope": "search"}, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 3, len(strings.Split(token, ".")))

		claims, err := s.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "tenant:7", claims["sub"])
		assert.Equal(t, "search", claims["scope"])
		assert.NotZero(t, claims["iat"])
		assert.NotZero(t, claims["exp"])
	})

	t.Run("IssueEmbedsKeyVersionInKid", func(t *testing.T) {
		_, s := setup(t)

		token, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		require.NoError(t, err)

		headerJSON, err := base64.RawURLEncoding.DecodeString(strings.Split(token, ".")[0])
		require.NoError(t, err)
		assert.Contains(t, string(headerJSON), `"kid":"token-signing/v1"`)
	})

	t.Run("VerifyRejectsTamperedClaims", func(t *testing.T) {
		_, s := setup(t)

		token, err := s.Issue(ctx, map[string]any{"scope": "search"}, time.Minute)
		require.NoError(t, err)

		parts := strings.Split(token, ".")
		forged, err := encodeSigningInput(map[string]any{
			"scope": "admin",
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Minute).Unix(),
		}, testKeyName, 1)
		require.NoError(t, err)

		_, err = s.Verify(ctx, forged+"."+parts[2])
		assert.ErrorIs(t, err, cardea.ErrInvalidToken)
	})

	t.Run("VerifyRejectsExpiredToken", func(t *testing.T) {
		_, s := setup(t)

		token, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, -time.Minute)
		require.NoError(t, err)

		_, err = s.Verify(ctx, token)
		assert.ErrorIs(t, err, cardea.ErrInvalidToken)
	})

	t.Run("VerifyRejectsTokenWithoutExpiry", func(t *testing.T) {
		broker, s := setup(t)

		// Hand-roll a token with no exp claim, signed with the real key.
		signingInput, err := encodeSigningInput(map[string]any{"sub": "tenant:7"}, testKeyName, 1)
		require.NoError(t, err)
		digest := sha256.Sum256([]byte(signingInput))
		sig, err := broker.Sign(ctx, testKeyName, digest[:])
		require.NoError(t, err)
		raw, err := derToRawSignature(sig.Signature)
		require.NoError(t, err)

		_, err = s.Verify(ctx, signingInput+"."+base64.RawURLEncoding.EncodeToString(raw))
		assert.ErrorIs(t, err, cardea.ErrInvalidToken)
	})

	t.Run("VerifyRejectsForeignKid", func(t *testing.T) {
		mock.ResetGlobalSecretStore()
		defer mock.ResetGlobalSecretStore()
		for _, name := range []string{testKeyName, "other-key"} {
			_, err := mock.CreateSigningKey(name)
			require.NoError(t, err)
		}

		broker := &mock.SecretBroker{}
		issuer, err := NewService(broker, *NewServiceOptions().SetKeyName("other-key"))
		require.NoError(t, err)
		verifier, err := NewService(broker, *NewServiceOptions().SetKeyName(testKeyName))
		require.NoError(t, err)

		token, err := issuer.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(ctx, token)
		assert.ErrorIs(t, err, cardea.ErrInvalidToken)
	})

	t.Run("VerifyRejectsGarbage", func(t *testing.T) {
		_, s := setup(t)
		for _, token := range []string{"", "not-a-token", "a.b.c"} {
			_, err := s.Verify(ctx, token)
			assert.ErrorIs(t, err, cardea.ErrInvalidToken)
		}
	})

	t.Run("TokensSurviveKeyRotation", func(t *testing.T) {
		_, s := setup(t)

		before, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		require.NoError(t, err)

		v, err := mock.CreateSigningKey(testKeyName)
		require.NoError(t, err)
		require.Equal(t, 2, v)

		after, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		require.NoError(t, err)

		headerJSON, err := base64.RawURLEncoding.DecodeString(strings.Split(after, ".")[0])
		require.NoError(t, err)
		assert.Contains(t, string(headerJSON), `"kid":"token-signing/v2"`)

		// Both the pre- and post-rotation tokens verify, each against its
		// own key version.
		for _, token := range []string{before, after} {
			claims, err := s.Verify(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "tenant:7", claims["sub"])
		}
	})

	t.Run("IssueFailsWhenBrokerCannotSign", func(t *testing.T) {
		broker, s := setup(t)
		broker.SignError = errors.New("transit engine sealed")

		_, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		assert.Error(t, err)
	})

	t.Run("VerificationKeyIsCachedPerVersion", func(t *testing.T) {
		broker, s := setup(t)

		token, err := s.Issue(ctx, map[string]any{"sub": "tenant:7"}, time.Minute)
		require.NoError(t, err)

		_, err = s.Verify(ctx, token)
		require.NoError(t, err)

		// Later verifications never go back to the broker while the cached
		// material is fresh.
		broker.VerificationKeyError = errors.New("broker unreachable")
		_, err = s.Verify(ctx, token)
		assert.NoError(t, err)
	})
}

func TestDerToRawSignature(t *testing.T) {
	t.Run("FailsWithMalformedDER", func(t *testing.T) {
		_, err := derToRawSignature([]byte("not der"))
		assert.Error(t, err)
	})
	t.Run("ConvertsComponentsToFixedWidth", func(t *testing.T) {
		der, err := asn1.Marshal(struct{ R, S *big.Int }{R: big.NewInt(1), S: big.NewInt(2)})
		require.NoError(t, err)

		raw, err := derToRawSignature(der)
		require.NoError(t, err)
		require.Len(t, raw, 64)
		assert.Equal(t, byte(1), raw[31])
		assert.Equal(t, byte(2), raw[63])
	})
	t.Run("FailsWithComponentsFromLargerCurve", func(t *testing.T) {
		// A P-384 broker key produces 48-byte r and s values, which cannot
		// be coerced into the 64-byte ES256 form.
		wide := new(big.Int).Lsh(big.NewInt(1), 300)
		der, err := asn1.Marshal(struct{ R, S *big.Int }{R: wide, S: big.NewInt(2)})
		require.NoError(t, err)
		_, err = derToRawSignature(der)
		assert.Error(t, err)

		der, err = asn1.Marshal(struct{ R, S *big.Int }{R: big.NewInt(1), S: wide})
		require.NoError(t, err)
		_, err = derToRawSignature(der)
		assert.Error(t, err)
	})
}
