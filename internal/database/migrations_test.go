package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tracelayer/plm/backend/internal/document"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsSnapshotTimestamps(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&document.Snapshot{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	snapshot := document.Snapshot{
		Name:             "project-1",
		StateB64:         "AQID",
		UpdatedAtSeconds: 0,
	}
	if err := database.Create(&snapshot).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored document.Snapshot
	if err := database.Where("name = ?", snapshot.Name).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload snapshot: %v", err)
	}
	if stored.UpdatedAtSeconds == 0 {
		testContext.Fatalf("expected snapshot timestamp to be backfilled")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillSnapshotTimestamps).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "rerun.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}

	var count int64
	err = database.Model(&migrationRecord{}).
		Where("name = ?", migrationBackfillSnapshotTimestamps).
		Count(&count).Error
	if err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected the migration to be recorded exactly once, got %d", count)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an error for a missing database path")
	}
}
