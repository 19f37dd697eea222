package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/slots"
	"github.com/MarcoPoloResearchLab/slotsync/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeLegacyStatus = "2026-03-02_normalize_legacy_machine_status"
	migrationBackfillProfiles      = "2026-03-09_backfill_user_profiles"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeLegacyStatus, apply: normalizeLegacyStatus},
		{name: migrationBackfillProfiles, apply: backfillProfiles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeLegacyStatus rewrites the display labels earlier releases stored in
// machines.status to status codes.
func normalizeLegacyStatus(db *gorm.DB) error {
	for label, status := range slots.LegacyStatusLabels {
		if err := db.Model(&slots.Machine{}).
			Where("status = ?", label).
			Update("status", status).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillProfiles gives every known identity a profile row.
func backfillProfiles(db *gorm.DB) error {
	var identities []users.Identity
	if err := db.Where("user_id NOT IN (?)", db.Model(&users.Profile{}).Select("user_id")).
		Order("provider ASC").Order("subject ASC").
		Find(&identities).Error; err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		if _, ok := seen[identity.UserID]; ok {
			continue
		}
		seen[identity.UserID] = struct{}{}
		if err := db.Create(&users.Profile{
			UserID:      identity.UserID,
			DisplayName: users.DefaultDisplayName(identity.DisplayName, identity.Email, identity.UserID),
		}).Error; err != nil {
			return err
		}
	}
	return nil
}
