package cardea

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	for tName, tCase := range map[string]struct {
		err     error
		matches func(error) bool
	}{
		"AuthError":              {err: NewAuthError(errors.New("role id rejected")), matches: IsAuthError},
		"SecretUnavailableError": {err: ErrSecretUnavailable, matches: IsSecretUnavailableError},
		"SecretNotFoundError":    {err: NewSecretNotFoundError("kv/data/app/db"), matches: IsSecretNotFoundError},
		"AccessDeniedError":      {err: NewAccessDeniedError("kv/data/app/db"), matches: IsAccessDeniedError},
		"SigningError":           {err: ErrSigningFailed, matches: IsSigningError},
		"InvalidTokenError":      {err: ErrInvalidToken, matches: IsInvalidTokenError},
		"MappingConflictError":   {err: NewMappingConflictError("doc:42"), matches: IsMappingConflictError},
		"SurrogateNotFoundError": {err: NewSurrogateNotFoundError("surrogate-a"), matches: IsSurrogateNotFoundError},
		"IdentifierLeakError":    {err: NewIdentifierLeakError("doc:42"), matches: IsIdentifierLeakError},
	} {
		t.Run(tName, func(t *testing.T) {
			assert.True(t, tCase.matches(tCase.err))
			assert.True(t, tCase.matches(errors.Wrap(tCase.err, "outer context")), "classification should survive wrapping")
			assert.False(t, tCase.matches(errors.New("unrelated")))
			assert.False(t, tCase.matches(nil))
			assert.NotEmpty(t, tCase.err.Error())
		})
	}
}

func TestAuthErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("role id rejected")
	err := NewAuthError(cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "role id rejected")
}
