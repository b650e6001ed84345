package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/models"
)

func TestAutoMigrateCreatesCacheTables(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	for _, model := range []any{
		&models.CacheEntry{},
		&models.OfflineAction{},
		&models.CacheMetadata{},
		&models.CachedResponse{},
		&models.FailedAction{},
		&models.ReplayLease{},
	} {
		require.True(t, db.Migrator().HasTable(model), "missing table for %T", model)
	}

	require.True(t, db.Migrator().HasIndex(&models.CacheEntry{}, "idx_cache_entries_by_hospital"))
	require.True(t, db.Migrator().HasIndex(&models.CacheEntry{}, "idx_cache_entries_by_timestamp"))
}

func TestSeedDataUpdatesVersionOnUpgrade(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrateAndSeed(db, "1.0.0"))
	require.NoError(t, SeedData(db, "1.1.0"))

	var rows int64
	require.NoError(t, db.Model(&models.CacheMetadata{}).Count(&rows).Error)
	require.Equal(t, int64(1), rows)

	var meta models.CacheMetadata
	require.NoError(t, db.Take(&meta, "name = ?", MetadataName).Error)
	require.Equal(t, "1.1.0", meta.Version)
}
