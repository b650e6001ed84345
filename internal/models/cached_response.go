package models

import (
	"time"

	"gorm.io/datatypes"
)

// CachedResponse is an intercepted HTTP response persisted in a named bucket.
// HospitalID is the tenant the request was made for; it is empty for shared
// assets.
type CachedResponse struct {
	Bucket     string         `gorm:"primaryKey;size:64"`
	HospitalID string         `gorm:"primaryKey;size:64;default:''"`
	URL        string         `gorm:"primaryKey;size:512"`
	Path       string         `gorm:"size:512;index"`
	Status     int            `gorm:"not null"`
	Header     datatypes.JSON `gorm:"type:text"`
	Body       []byte         `json:"-"`
	CachedAt   time.Time      `gorm:"index"`
}
