package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// NewInternalID returns a unique internal identifier for a test, namespaced
// by the test name so collisions across parallel suites are impossible.
func NewInternalID(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", ".")
	return fmt.Sprintf("doc:%s:%s", name, uuid.NewString()[:8])
}
