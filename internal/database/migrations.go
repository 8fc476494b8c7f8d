package database

import (
	"errors"
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
	"github.com/JullianMQ/lifeline/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeContactPhones = "2026-03-01_normalize_contact_phones"

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
		{name: migrationNormalizeContactPhones, apply: normalizeContactPhones},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeContactPhones rewrites stored phones into the form sessions carry
// so contact matching is a plain equality.
func normalizeContactPhones(db *gorm.DB) error {
	var contacts []users.EmergencyContact
	if err := db.Find(&contacts).Error; err != nil {
		return err
	}
	for _, contact := range contacts {
		normalized := identity.NormalizePhone(contact.Phone)
		if normalized == contact.Phone {
			continue
		}
		err := db.Model(&users.EmergencyContact{}).
			Where("id = ?", contact.ID).
			Update("contact_phone", normalized).
			Error
		if err != nil {
			return err
		}
	}
	var identities []users.Identity
	if err := db.Where("user_phone <> ''").Find(&identities).Error; err != nil {
		return err
	}
	for _, stored := range identities {
		normalized := identity.NormalizePhone(stored.Phone)
		if normalized == stored.Phone {
			continue
		}
		err := db.Model(&users.Identity{}).
			Where("user_id = ?", stored.UserID).
			Update("user_phone", normalized).
			Error
		if err != nil {
			return err
		}
	}
	return nil
}
