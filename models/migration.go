package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Car{},
		&AuditTrail{},
		&RegistryEntry{},
		&Attachment{},
		&User{},
		&CarEventRecord{},
		&IdempotencyKey{},
	)
}
