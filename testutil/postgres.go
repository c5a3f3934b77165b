// Package testutil provides shared test helpers for integration-style
// suites that exercise the application store in Postgres.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/channelarchived/db"
)

// SetupTestDB opens a Postgres connection and runs migrations. It skips
// the test if TEST_PG_DSN is not set, matching the gating every
// integration-style suite in this module uses.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// ClearSettings deletes the given settings keys, used between test runs
// sharing one database so state from one test doesn't leak into the next.
func ClearSettings(t *testing.T, database *sql.DB, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if _, err := database.Exec(`DELETE FROM settings WHERE key=$1`, key); err != nil {
			t.Fatalf("clear setting %s: %v", key, err)
		}
	}
}

// SeedChannel inserts or updates a channel row for test fixtures.
func SeedChannel(t *testing.T, database *sql.DB, channelID, dirName string, enabled bool) {
	t.Helper()
	_, err := database.Exec(`INSERT INTO channels (channel_id, name, source_url, dir_name, video_limit, enabled)
		VALUES ($1,$2,$3,$4,10,$5)
		ON CONFLICT (channel_id) DO UPDATE SET enabled=EXCLUDED.enabled`,
		channelID, channelID, "https://example.com/"+channelID, dirName, enabled)
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
}
