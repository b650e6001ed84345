package database

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/carecache/internal/models"
)

// SchemaVersion is the persisted layout version of the cache database.
const SchemaVersion = 1

// MetadataName is the primary key of the single metadata row.
const MetadataName = "cache"

// AutoMigrate creates or updates the cache schema: entity entries, the offline
// queue, metadata, intercepted responses, the failure log and replay leases.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CacheEntry{},
		&models.OfflineAction{},
		&models.CacheMetadata{},
		&models.CachedResponse{},
		&models.FailedAction{},
		&models.ReplayLease{},
	)
}

// SeedData ensures the metadata row exists and records the current schema and app version.
func SeedData(db *gorm.DB, appVersion string) error {
	var meta models.CacheMetadata
	err := db.Where("name = ?", MetadataName).Take(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(&models.CacheMetadata{
			Name:          MetadataName,
			Version:       appVersion,
			SchemaVersion: SchemaVersion,
			LastSync:      time.Time{},
		}).Error
	case err != nil:
		return err
	}

	if meta.SchemaVersion == SchemaVersion && meta.Version == appVersion {
		return nil
	}

	return db.Model(&models.CacheMetadata{}).
		Where("name = ?", MetadataName).
		Updates(map[string]any{
			"schema_version": SchemaVersion,
			"version":        appVersion,
		}).Error
}
