// Package testutil holds helpers shared by the integration tests.
package testutil

import (
	"os"
	"testing"
)

// RequireIntegration skips the test unless INTEGRATION_TESTS=1 is set.
// Integration tests start containers through testcontainers-go.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}
