package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry is one cached record in a named entity store, partitioned by hospital.
// Timestamp is the write time and drives TTL expiry.
type CacheEntry struct {
	Store      string         `gorm:"primaryKey;size:64;index:idx_cache_entries_by_hospital,priority:1" json:"store"`
	Key        string         `gorm:"primaryKey;column:entry_key;size:256" json:"id"`
	HospitalID string         `gorm:"size:64;not null;index:idx_cache_entries_by_hospital,priority:2" json:"hospital_id"`
	Data       datatypes.JSON `json:"data"`
	Timestamp  time.Time      `gorm:"not null;index:idx_cache_entries_by_timestamp" json:"timestamp"`
}

// CacheMetadata holds the single diagnostics record of the persistent store.
type CacheMetadata struct {
	Name          string    `gorm:"primaryKey;size:32" json:"-"`
	LastSync      time.Time `json:"last_sync"`
	CacheSize     int64     `json:"cache_size"`
	Version       string    `gorm:"size:32" json:"version"`
	SchemaVersion int       `json:"schema_version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName pins the metadata table name.
func (CacheMetadata) TableName() string {
	return "cache_metadata"
}
