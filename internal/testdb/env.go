//go:build integration

package testdb

import (
	"os"

	"github.com/phrazzld/taskcore/internal/redact"
)

// Environment variables consulted, in order, for the test database URL.
var databaseURLVars = []string{"TASKCORE_TEST_DB_URL", "TASKCORE_DATABASE_URL", "DATABASE_URL"}

// GetTestDatabaseURL returns the first database URL found in the environment.
func GetTestDatabaseURL() string {
	for _, name := range databaseURLVars {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// IsIntegrationTestEnvironment reports whether a test database is configured.
func IsIntegrationTestEnvironment() bool {
	return GetTestDatabaseURL() != ""
}

// ShouldSkipDatabaseTest reports whether database tests should be skipped.
func ShouldSkipDatabaseTest() bool {
	return !IsIntegrationTestEnvironment()
}

func maskDatabaseURL(dbURL string) string {
	return redact.Credentials(dbURL)
}
