package testutil

import (
	"os"
	"testing"
)

// PostgresURLEnvVar is the environment variable holding the connection
// string for integration tests against a real PostgreSQL instance.
const PostgresURLEnvVar = "CARDEA_TEST_POSTGRES_URL"

// PostgresURL returns the test database connection string, skipping the test
// if none is configured.
func PostgresURL(t *testing.T) string {
	url := os.Getenv(PostgresURLEnvVar)
	if url == "" {
		t.Skipf("skipping: %s not set", PostgresURLEnvVar)
	}
	return url
}
