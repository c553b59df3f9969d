package database

import (
	"errors"
	"time"

	"github.com/cvpilot-ai/backend/internal/pipeline"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearFailedJobArtifacts = "2026-06-18_clear_failed_job_artifacts"

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
		{name: migrationClearFailedJobArtifacts, apply: clearFailedJobArtifacts},
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
		if err := migration.apply(db); err != nil {
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

// clearFailedJobArtifacts drops artifacts left behind by an early bug where
// a job could fail after its document part was already persisted.
func clearFailedJobArtifacts(db *gorm.DB) error {
	return db.Model(&pipeline.OptimizationJob{}).
		Where("state = ? AND artifact_b64 <> ''", "failed").
		Updates(map[string]interface{}{
			"artifact_b64":            "",
			"artifact_generated_at_s": 0,
		}).Error
}
