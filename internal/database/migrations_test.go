package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestOpenAppliesMigrations(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	core, logs := observer.New(zapcore.InfoLevel)

	database, err := OpenSQLite(databasePath, zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	for _, name := range []string{migrationNormalizeLegacyStatus, migrationBackfillProfiles} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
	if logs.FilterMessage("database migration applied").Len() != 2 {
		testContext.Fatalf("expected two migration log entries, got %d", logs.FilterMessage("database migration applied").Len())
	}

	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		testContext.Fatalf("failed to close: %v", err)
	}

	reopenCore, reopenLogs := observer.New(zapcore.InfoLevel)
	if _, err := OpenSQLite(databasePath, zap.New(reopenCore)); err != nil {
		testContext.Fatalf("failed to reopen: %v", err)
	}
	if reopenLogs.FilterMessage("database migration applied").Len() != 0 {
		testContext.Fatalf("expected migrations to run once")
	}
}

func TestNormalizeLegacyStatusRewritesLabels(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "legacy.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	now := time.Now().UTC()
	legacy := map[string]slots.Status{
		"machine-1": "あり",
		"machine-2": "エナ",
		"machine-3": slots.StatusAbsent,
	}
	for id, status := range legacy {
		machine := slots.Machine{ID: id, StoreID: "store-1", Number: id, Status: status, CreatedAt: now, UpdatedAt: now}
		if err := database.Create(&machine).Error; err != nil {
			testContext.Fatalf("failed to insert machine: %v", err)
		}
	}

	if err := normalizeLegacyStatus(database); err != nil {
		testContext.Fatalf("migration failed: %v", err)
	}

	expected := map[string]slots.Status{
		"machine-1": slots.StatusPresent,
		"machine-2": slots.StatusEna,
		"machine-3": slots.StatusAbsent,
	}
	for id, status := range expected {
		var stored slots.Machine
		if err := database.Where("id = ?", id).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload machine: %v", err)
		}
		if stored.Status != status {
			testContext.Fatalf("machine %s: expected %q, got %q", id, status, stored.Status)
		}
	}
}

func TestBackfillProfilesCreatesMissingRows(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "profiles.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	identities := []users.Identity{
		{Provider: "default", Subject: "alice", UserID: "alice", DisplayName: "Alice A."},
		{Provider: "google", Subject: "alice-g", UserID: "alice", Email: "alice@example.com"},
		{Provider: "default", Subject: "bob", UserID: "bob", Email: "bobby@example.com"},
	}
	for _, identity := range identities {
		if err := database.Create(&identity).Error; err != nil {
			testContext.Fatalf("failed to insert identity: %v", err)
		}
	}
	if err := database.Create(&users.Profile{UserID: "bob", DisplayName: "Robert"}).Error; err != nil {
		testContext.Fatalf("failed to insert profile: %v", err)
	}

	if err := backfillProfiles(database); err != nil {
		testContext.Fatalf("backfill failed: %v", err)
	}

	var profiles []users.Profile
	if err := database.Order("user_id ASC").Find(&profiles).Error; err != nil {
		testContext.Fatalf("failed to list profiles: %v", err)
	}
	if len(profiles) != 2 {
		testContext.Fatalf("expected two profiles, got %#v", profiles)
	}
	if profiles[0].UserID != "alice" || profiles[0].DisplayName != "Alice A." {
		testContext.Fatalf("unexpected alice profile %#v", profiles[0])
	}
	if profiles[1].DisplayName != "Robert" {
		testContext.Fatalf("existing profile must be kept, got %#v", profiles[1])
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected an error for an unknown driver")
	}
	if _, err := Open(Options{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected an error for a missing dsn")
	}
}
