//go:build integration

package testdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/platform/postgres"
)

// TestTimeout bounds setup and cleanup statements.
const TestTimeout = 10 * time.Second

// GetTestDBWithT opens the test database, applies the embedded migrations and
// closes the pool when the test ends. The test is skipped when no database is
// configured.
func GetTestDBWithT(t *testing.T) *sql.DB {
	t.Helper()
	if ShouldSkipDatabaseTest() {
		t.Skip("no test database configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	dbURL := GetTestDatabaseURL()
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		URL:             dbURL,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err, "failed to connect to %s", maskDatabaseURL(dbURL))

	log, _ := logger.GetTestLogger(t)
	require.NoError(t, postgres.Migrate(ctx, db, postgres.MigrateUp, log))

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("failed to close test database: %v", err)
		}
	})
	return db
}

// ResetTasks deletes every task row. Tests that commit data call it in
// t.Cleanup.
func ResetTasks(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, "DELETE FROM tasks")
	require.NoError(t, err)
}
