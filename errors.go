package cardea

import (
	"fmt"

	"github.com/pkg/errors"
)

// AuthError indicates that the secret broker rejected the role credentials
// or was unreachable during login. It is fatal to the process's ability to
// serve secret-dependent requests and must not be retried automatically at
// high frequency.
type AuthError struct {
	cause error
}

// NewAuthError creates an error indicating broker authentication failed.
func NewAuthError(cause error) *AuthError {
	return &AuthError{cause: cause}
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker authentication failed: %s", e.cause.Error())
}

// Unwrap returns the underlying login failure.
func (e *AuthError) Unwrap() error { return e.cause }

// IsAuthError returns whether the error or its cause is due to broker
// authentication failing.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ErrSecretUnavailable indicates that cached secret material has expired
// past its grace window and the broker is unreachable, so the request cannot
// be served. It is transient and retryable by the caller.
var ErrSecretUnavailable = errors.New("secret material unavailable")

// IsSecretUnavailableError returns whether the error or its cause is due to
// secret material being unavailable.
func IsSecretUnavailableError(err error) bool {
	return errors.Is(err, ErrSecretUnavailable)
}

// SecretNotFoundError indicates that no secret exists at the requested path
// or version.
type SecretNotFoundError struct {
	path string
}

// NewSecretNotFoundError creates an error indicating the secret at the given
// path could not be found.
func NewSecretNotFoundError(path string) *SecretNotFoundError {
	return &SecretNotFoundError{path: path}
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("secret at path '%s' not found", e.path)
}

// IsSecretNotFoundError returns whether the error or its cause is due to a
// missing secret.
func IsSecretNotFoundError(err error) bool {
	var notFoundErr *SecretNotFoundError
	return errors.As(err, &notFoundErr)
}

// AccessDeniedError indicates that the broker session is not permitted to
// read the requested path.
type AccessDeniedError struct {
	path string
}

// NewAccessDeniedError creates an error indicating the broker denied access
// to the given path.
func NewAccessDeniedError(path string) *AccessDeniedError {
	return &AccessDeniedError{path: path}
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access to path '%s' denied", e.path)
}

// IsAccessDeniedError returns whether the error or its cause is due to the
// broker denying access.
func IsAccessDeniedError(err error) bool {
	var deniedErr *AccessDeniedError
	return errors.As(err, &deniedErr)
}

// ErrSigningFailed indicates that the broker could not produce a signature,
// either because the key is disabled or the broker is unreachable. Callers
// surface it as an authentication failure without detail.
var ErrSigningFailed = errors.New("signing failed")

// IsSigningError returns whether the error or its cause is due to a
// broker-side signing failure.
func IsSigningError(err error) bool {
	return errors.Is(err, ErrSigningFailed)
}

// ErrInvalidToken indicates that a signed token failed verification for any
// reason - bad signature, expired, malformed, or unknown key version. The
// reason is deliberately not distinguished.
var ErrInvalidToken = errors.New("invalid token")

// IsInvalidTokenError returns whether the error or its cause is due to a
// token failing verification.
func IsInvalidTokenError(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

// MappingConflictError indicates that a concurrent writer committed a
// surrogate mapping for the same internal identifier first. It is recovered
// locally by re-reading the committed row and is never surfaced to callers
// of SurrogateMap.Ensure.
type MappingConflictError struct {
	internalID string
}

// NewMappingConflictError creates an error indicating a surrogate mapping
// uniqueness race on the given internal identifier.
func NewMappingConflictError(internalID string) *MappingConflictError {
	return &MappingConflictError{internalID: internalID}
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("uniqueness conflict for '%s'", e.internalID)
}

// IsMappingConflictError returns whether the error or its cause is due to a
// surrogate mapping uniqueness race.
func IsMappingConflictError(err error) bool {
	var conflictErr *MappingConflictError
	return errors.As(err, &conflictErr)
}

// SurrogateNotFoundError indicates that a surrogate identifier does not
// resolve to an active mapping.
type SurrogateNotFoundError struct {
	surrogateID string
}

// NewSurrogateNotFoundError creates an error indicating the given surrogate
// has no active mapping.
func NewSurrogateNotFoundError(surrogateID string) *SurrogateNotFoundError {
	return &SurrogateNotFoundError{surrogateID: surrogateID}
}

func (e *SurrogateNotFoundError) Error() string {
	return fmt.Sprintf("surrogate '%s' not found", e.surrogateID)
}

// IsSurrogateNotFoundError returns whether the error or its cause is due to
// a surrogate having no active mapping.
func IsSurrogateNotFoundError(err error) bool {
	var notFoundErr *SurrogateNotFoundError
	return errors.As(err, &notFoundErr)
}

// IdentifierLeakError indicates that a payload bound for the derived index
// contained an internal identifier. The unit is aborted before anything
// crosses the boundary.
type IdentifierLeakError struct {
	internalID string
}

// NewIdentifierLeakError creates an error indicating the given internal
// identifier appeared in an index-bound payload.
func NewIdentifierLeakError(internalID string) *IdentifierLeakError {
	return &IdentifierLeakError{internalID: internalID}
}

func (e *IdentifierLeakError) Error() string {
	return fmt.Sprintf("internal id '%s' would leak to the derived index", e.internalID)
}

// IsIdentifierLeakError returns whether the error or its cause is due to an
// internal identifier appearing in an index-bound payload.
func IsIdentifierLeakError(err error) bool {
	var leakErr *IdentifierLeakError
	return errors.As(err, &leakErr)
}
