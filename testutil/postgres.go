package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/guildsync/db"
)

// SetupTestDB connects to TEST_PG_DSN, runs migrations and empties every table
// this service touches. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE chat_provisioning, group_chat_channels, group_members, groups, users`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to reset tables: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
