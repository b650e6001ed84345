package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charlesng35/carecache/internal/models"
)

// Store is the persistent, tenant partitioned, TTL bounded entity cache.
// Every operation is total: failures are logged and returned inside the Result.
type Store interface {
	Get(ctx context.Context, store, key, hospitalID string) Result[json.RawMessage]
	Set(ctx context.Context, store, key string, value any, hospitalID string) Result[time.Time]
	GetAllByHospital(ctx context.Context, store, hospitalID string) Result[[]json.RawMessage]
	Delete(ctx context.Context, store, key string) Result[int64]
	ClearHospital(ctx context.Context, hospitalID string) Result[int64]
	ClearAll(ctx context.Context, includeMetadata bool) Result[int64]
	GetStats(ctx context.Context) Result[Stats]
}

// OfflineQueue is the durable queue of mutations waiting for replay.
type OfflineQueue interface {
	AddOfflineAction(ctx context.Context, action models.OfflineAction) Result[models.OfflineAction]
	GetOfflineActions(ctx context.Context) Result[[]models.OfflineAction]
	UpdateOfflineAction(ctx context.Context, action models.OfflineAction) Result[models.OfflineAction]
	DeleteOfflineAction(ctx context.Context, id string) Result[int64]
}

// Stats summarises the persistent store for diagnostics.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	OldestEntry  *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry  *time.Time       `json:"newest_entry,omitempty"`
	PerStore     map[string]int64 `json:"per_store"`
	Pending      int64            `json:"pending_actions"`
}

// Config tunes the persistent store.
type Config struct {
	TTL TTLTable
	// CleanupThreshold is the entry count above which a write triggers Cleanup.
	// It approximates size by row count, not bytes.
	CleanupThreshold  int64
	DefaultMaxRetries int
	Version           string
}

const (
	defaultCleanupThreshold = 10000
	defaultMaxRetries       = 3
)

// DefaultConfig returns the standard store configuration.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTLs(),
		CleanupThreshold:  defaultCleanupThreshold,
		DefaultMaxRetries: defaultMaxRetries,
	}
}
