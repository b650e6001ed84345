package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/carecache/internal/database"
	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/metrics"
	"github.com/charlesng35/carecache/pkg/validator"
)

var errStoreNotInitialised = fmt.Errorf("%w: database store not initialised", apperrors.ErrStorageUnavailable)

// DatabaseStore implements Store and OfflineQueue using the SQL database.
// Expiry is lazy: reads drop the stale row they hit and Cleanup sweeps the rest.
type DatabaseStore struct {
	db    *gorm.DB
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
	ready atomic.Bool
	group singleflight.Group
}

// Option customises the DatabaseStore.
type Option func(*DatabaseStore)

// WithNow overrides the clock used for timestamps and expiry checks.
func WithNow(now func() time.Time) Option {
	return func(s *DatabaseStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger replaces the module logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *DatabaseStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewDatabaseStore constructs a database-backed Store. The schema is created
// lazily by the first operation or an explicit Init.
func NewDatabaseStore(db *gorm.DB, cfg Config, opts ...Option) *DatabaseStore {
	if db == nil {
		return nil
	}

	defaults := DefaultConfig()
	if cfg.TTL.Default <= 0 {
		cfg.TTL.Default = defaults.TTL.Default
	}
	if cfg.TTL.Overrides == nil {
		cfg.TTL.Overrides = defaults.TTL.Overrides
	}
	if cfg.CleanupThreshold <= 0 {
		cfg.CleanupThreshold = defaults.CleanupThreshold
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}

	s := &DatabaseStore{
		db:  db,
		cfg: cfg,
		now: time.Now,
		log: logger.WithModule("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *DatabaseStore) Config() Config {
	if s == nil {
		return DefaultConfig()
	}
	return s.cfg
}

// Init migrates the schema and runs one Cleanup. It is idempotent and
// concurrent callers share a single in-flight initialisation.
func (s *DatabaseStore) Init(ctx context.Context) error {
	if s == nil {
		return errStoreNotInitialised
	}
	if s.ready.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	_, err, _ := s.group.Do("init", func() (any, error) {
		if s.ready.Load() {
			return nil, nil
		}
		if err := database.AutoMigrateAndSeed(s.db.WithContext(ctx), s.cfg.Version); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
		}
		s.ready.Store(true)

		if removed := s.Cleanup(ctx); removed.OK() && removed.Value() > 0 {
			s.log.Info("removed expired entries on open", zap.Int64("removed", removed.Value()))
		}
		return nil, nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("init").Inc()
		s.log.Error("persistent store unavailable", zap.Error(err))
	}
	return err
}

func (s *DatabaseStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil {
		return nil, errStoreNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.db.WithContext(ctx), nil
}

// Get returns the cached value, or nil when the entry is missing, belongs to
// another hospital, or is older than the store TTL. A stale hit is deleted.
func (s *DatabaseStore) Get(ctx context.Context, store, key, hospitalID string) Result[json.RawMessage] {
	if err := validateStoreKey(store, key); err != nil {
		return failed[json.RawMessage](s, "get", err, zap.String("store", store))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[json.RawMessage](s, "get", err, zap.String("store", store))
	}

	var entry models.CacheEntry
	err = db.Take(&entry, "store = ? AND entry_key = ?", store, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.StoreReads.WithLabelValues(store, "miss").Inc()
		return Ok[json.RawMessage](nil)
	}
	if err != nil {
		return failed[json.RawMessage](s, "get", storageErr(err), zap.String("store", store))
	}

	if hospitalID != "" && entry.HospitalID != hospitalID {
		metrics.StoreReads.WithLabelValues(store, "miss").Inc()
		return Ok[json.RawMessage](nil)
	}

	now := s.now().UTC()
	if s.cfg.TTL.Expired(store, entry.Timestamp, now) {
		metrics.StoreReads.WithLabelValues(store, "expired").Inc()
		cutoff := now.Add(-s.cfg.TTL.For(store))
		result := db.Where("store = ? AND entry_key = ? AND timestamp < ?", store, key, cutoff).
			Delete(&models.CacheEntry{})
		if result.Error != nil {
			s.log.Debug("drop stale entry failed", zap.String("store", store), zap.Error(result.Error))
		} else if result.RowsAffected > 0 {
			metrics.StoreEvictions.WithLabelValues(store).Add(float64(result.RowsAffected))
		}
		return Ok[json.RawMessage](nil)
	}

	metrics.StoreReads.WithLabelValues(store, "hit").Inc()
	return Ok(json.RawMessage(entry.Data))
}

// Set upserts the value and stamps it with the current write time.
func (s *DatabaseStore) Set(ctx context.Context, store, key string, value any, hospitalID string) Result[time.Time] {
	if err := validateStoreKey(store, key); err != nil {
		return failed[time.Time](s, "set", err, zap.String("store", store))
	}
	if strings.TrimSpace(hospitalID) == "" {
		return failed[time.Time](s, "set", errors.New("cache: hospital id is required"), zap.String("store", store))
	}
	payload, err := encodeValue(value)
	if err != nil {
		return failed[time.Time](s, "set", err, zap.String("store", store))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[time.Time](s, "set", err, zap.String("store", store))
	}

	now := s.now().UTC()
	entry := models.CacheEntry{
		Store:      store,
		Key:        key,
		HospitalID: hospitalID,
		Data:       datatypes.JSON(payload),
		Timestamp:  now,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"hospital_id", "data", "timestamp"}),
	}).Create(&entry).Error
	if err != nil {
		return failed[time.Time](s, "set", storageErr(err), zap.String("store", store))
	}

	s.checkSize(ctx, db)
	return Ok(now)
}

// checkSize runs Cleanup when the row count passes the configured threshold.
func (s *DatabaseStore) checkSize(ctx context.Context, db *gorm.DB) {
	var count int64
	if err := db.Model(&models.CacheEntry{}).Count(&count).Error; err != nil {
		s.log.Debug("size check failed", zap.Error(err))
		return
	}
	if count <= s.cfg.CleanupThreshold {
		return
	}
	removed := s.Cleanup(ctx)
	s.log.Info("store over threshold, cleaned up",
		zap.Int64("entries", count),
		zap.Int64("threshold", s.cfg.CleanupThreshold),
		zap.Int64("removed", removed.Value()),
	)
}

// GetAllByHospital returns every fresh value of store written by hospitalID.
// Expired rows found by the scan are deleted.
func (s *DatabaseStore) GetAllByHospital(ctx context.Context, store, hospitalID string) Result[[]json.RawMessage] {
	if !validator.IsEntityName(store) {
		return failed[[]json.RawMessage](s, "get_all", fmt.Errorf("cache: invalid store %q", store))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[[]json.RawMessage](s, "get_all", err, zap.String("store", store))
	}

	var entries []models.CacheEntry
	if err := db.Where("store = ? AND hospital_id = ?", store, hospitalID).
		Order("entry_key ASC").
		Find(&entries).Error; err != nil {
		return failed[[]json.RawMessage](s, "get_all", storageErr(err), zap.String("store", store))
	}

	now := s.now().UTC()
	values := make([]json.RawMessage, 0, len(entries))
	var stale []string
	for _, entry := range entries {
		if s.cfg.TTL.Expired(store, entry.Timestamp, now) {
			stale = append(stale, entry.Key)
			continue
		}
		values = append(values, json.RawMessage(entry.Data))
	}

	if len(stale) > 0 {
		cutoff := now.Add(-s.cfg.TTL.For(store))
		result := db.Where("store = ? AND entry_key IN ? AND timestamp < ?", store, stale, cutoff).
			Delete(&models.CacheEntry{})
		if result.Error != nil {
			s.log.Debug("drop stale entries failed", zap.String("store", store), zap.Error(result.Error))
		} else {
			metrics.StoreEvictions.WithLabelValues(store).Add(float64(result.RowsAffected))
		}
	}

	return Ok(values)
}

// Delete removes one entry regardless of tenant.
func (s *DatabaseStore) Delete(ctx context.Context, store, key string) Result[int64] {
	if err := validateStoreKey(store, key); err != nil {
		return failed[int64](s, "delete", err)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[int64](s, "delete", err, zap.String("store", store))
	}

	result := db.Where("store = ? AND entry_key = ?", store, key).Delete(&models.CacheEntry{})
	if result.Error != nil {
		return failed[int64](s, "delete", storageErr(result.Error), zap.String("store", store))
	}
	return Ok(result.RowsAffected)
}

// ClearHospital removes every entry of hospitalID across all entity stores.
func (s *DatabaseStore) ClearHospital(ctx context.Context, hospitalID string) Result[int64] {
	if strings.TrimSpace(hospitalID) == "" {
		return failed[int64](s, "clear_hospital", errors.New("cache: hospital id is required"))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[int64](s, "clear_hospital", err, logger.HospitalID(hospitalID))
	}

	result := db.Where("hospital_id = ?", hospitalID).Delete(&models.CacheEntry{})
	if result.Error != nil {
		return failed[int64](s, "clear_hospital", storageErr(result.Error), logger.HospitalID(hospitalID))
	}
	return Ok(result.RowsAffected)
}

// ClearAll drops every entity entry and the offline queue. The metadata row
// is only removed when includeMetadata is set.
func (s *DatabaseStore) ClearAll(ctx context.Context, includeMetadata bool) Result[int64] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[int64](s, "clear_all", err)
	}

	var removed int64
	err = db.Session(&gorm.Session{AllowGlobalUpdate: true}).Transaction(func(tx *gorm.DB) error {
		entries := tx.Delete(&models.CacheEntry{})
		if entries.Error != nil {
			return entries.Error
		}
		actions := tx.Delete(&models.OfflineAction{})
		if actions.Error != nil {
			return actions.Error
		}
		removed = entries.RowsAffected + actions.RowsAffected

		if includeMetadata {
			return tx.Delete(&models.CacheMetadata{}).Error
		}
		return nil
	})
	if err != nil {
		return failed[int64](s, "clear_all", storageErr(err))
	}
	return Ok(removed)
}

// Cleanup deletes every entry older than its store TTL.
func (s *DatabaseStore) Cleanup(ctx context.Context) Result[int64] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[int64](s, "cleanup", err)
	}

	now := s.now().UTC()
	var removed int64

	overridden := make([]string, 0, len(s.cfg.TTL.Overrides))
	for store := range s.cfg.TTL.Overrides {
		overridden = append(overridden, store)
		cutoff := now.Add(-s.cfg.TTL.For(store))
		result := db.Where("store = ? AND timestamp < ?", store, cutoff).Delete(&models.CacheEntry{})
		if result.Error != nil {
			return failed[int64](s, "cleanup", storageErr(result.Error), zap.String("store", store))
		}
		if result.RowsAffected > 0 {
			metrics.StoreEvictions.WithLabelValues(store).Add(float64(result.RowsAffected))
		}
		removed += result.RowsAffected
	}

	query := db.Where("timestamp < ?", now.Add(-s.cfg.TTL.For("")))
	if len(overridden) > 0 {
		query = query.Where("store NOT IN ?", overridden)
	}
	result := query.Delete(&models.CacheEntry{})
	if result.Error != nil {
		return failed[int64](s, "cleanup", storageErr(result.Error))
	}
	if result.RowsAffected > 0 {
		metrics.StoreEvictions.WithLabelValues("default").Add(float64(result.RowsAffected))
	}
	removed += result.RowsAffected

	return Ok(removed)
}

// GetStats scans the store for diagnostics. It is not meant for hot paths.
func (s *DatabaseStore) GetStats(ctx context.Context) Result[Stats] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[Stats](s, "stats", err)
	}

	stats := Stats{PerStore: map[string]int64{}}

	var rows []struct {
		Store string
		Count int64
	}
	if err := db.Model(&models.CacheEntry{}).
		Select("store, COUNT(*) AS count").
		Group("store").
		Scan(&rows).Error; err != nil {
		return failed[Stats](s, "stats", storageErr(err))
	}
	for _, row := range rows {
		stats.PerStore[row.Store] = row.Count
		stats.TotalEntries += row.Count
	}

	if stats.TotalEntries > 0 {
		var oldest, newest models.CacheEntry
		if err := db.Order("timestamp ASC").Take(&oldest).Error; err == nil {
			ts := oldest.Timestamp
			stats.OldestEntry = &ts
		}
		if err := db.Order("timestamp DESC").Take(&newest).Error; err == nil {
			ts := newest.Timestamp
			stats.NewestEntry = &ts
		}
	}

	if err := db.Model(&models.OfflineAction{}).Count(&stats.Pending).Error; err != nil {
		return failed[Stats](s, "stats", storageErr(err))
	}

	return Ok(stats)
}

// GetMetadata returns the diagnostics record.
func (s *DatabaseStore) GetMetadata(ctx context.Context) Result[models.CacheMetadata] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[models.CacheMetadata](s, "metadata", err)
	}

	var meta models.CacheMetadata
	err = db.Take(&meta, "name = ?", database.MetadataName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ok(models.CacheMetadata{Name: database.MetadataName, Version: s.cfg.Version})
	}
	if err != nil {
		return failed[models.CacheMetadata](s, "metadata", storageErr(err))
	}
	return Ok(meta)
}

// TouchMetadata records a sync time and refreshes the entry count.
func (s *DatabaseStore) TouchMetadata(ctx context.Context, lastSync time.Time) Result[models.CacheMetadata] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[models.CacheMetadata](s, "touch_metadata", err)
	}

	var size int64
	if err := db.Model(&models.CacheEntry{}).Count(&size).Error; err != nil {
		return failed[models.CacheMetadata](s, "touch_metadata", storageErr(err))
	}

	meta := models.CacheMetadata{
		Name:          database.MetadataName,
		LastSync:      lastSync.UTC(),
		CacheSize:     size,
		Version:       s.cfg.Version,
		SchemaVersion: database.SchemaVersion,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync", "cache_size", "version", "schema_version", "updated_at"}),
	}).Create(&meta).Error
	if err != nil {
		return failed[models.CacheMetadata](s, "touch_metadata", storageErr(err))
	}
	return Ok(meta)
}

func failed[T any](s *DatabaseStore, op string, err error, fields ...zap.Field) Result[T] {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	log := logger.WithModule("cache")
	if s != nil {
		log = s.log
	}
	log.Warn("persistent store operation failed", append(fields, zap.String("operation", op), zap.Error(err))...)
	return Fail[T](err)
}

func storageErr(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
}

func validateStoreKey(store, key string) error {
	if !validator.IsEntityName(store) {
		return fmt.Errorf("cache: invalid store %q", store)
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("cache: key is required")
	}
	return nil
}

func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("cache: value is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("cache: value is not valid JSON")
		}
		return v, nil
	default:
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cache: encode value: %w", err)
		}
		return payload, nil
	}
}
