package mock

import "github.com/pkg/errors"

// errIndexUnavailable is the stand-in failure for an unreachable derived
// index.
var errIndexUnavailable = errors.New("index unavailable")
