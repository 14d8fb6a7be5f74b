package testutil

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"infinite-experiment/warden/internal/db"

	"gorm.io/gorm"
)

// OpenTestDB opens a migrated SQLite database in the test's temp dir.
// A file (rather than :memory:) keeps the schema alive across pooled
// connections; foreign keys are on so cascades behave as in Postgres.
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), fmt.Sprintf("warden-%d.db", time.Now().UnixNano()))
	gdb, err := db.InitSQLiteORM(path)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}
