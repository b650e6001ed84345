package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/carecache/internal/models"
)

// responseStore persists snapshots as CachedResponse rows.
type responseStore struct {
	db *gorm.DB
}

func (s *responseStore) put(ctx context.Context, bucket, hospitalID string, u *url.URL, snap *snapshot) error {
	header, err := json.Marshal(snap.header)
	if err != nil {
		return err
	}
	row := models.CachedResponse{
		Bucket:     bucket,
		HospitalID: hospitalID,
		URL:        u.String(),
		Path:       u.Path,
		Status:     snap.status,
		Header:     datatypes.JSON(header),
		Body:       snap.body,
		CachedAt:   snap.cachedAt,
	}
	if row.Body == nil {
		row.Body = []byte{}
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bucket"}, {Name: "hospital_id"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "status", "header", "body", "cached_at"}),
	}).Create(&row).Error
}

// get returns nil without error when nothing is cached for the tenant.
func (s *responseStore) get(ctx context.Context, bucket, hospitalID, rawURL string) (*snapshot, error) {
	var row models.CachedResponse
	err := s.db.WithContext(ctx).Take(&row, "bucket = ? AND hospital_id = ? AND url = ?", bucket, hospitalID, rawURL).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if len(row.Header) > 0 {
		if err := json.Unmarshal(row.Header, &header); err != nil {
			return nil, err
		}
	}
	return &snapshot{status: row.Status, header: header, body: row.Body, cachedAt: row.CachedAt}, nil
}

func (s *responseStore) counts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Bucket string
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.CachedResponse{}).
		Select("bucket, COUNT(*) AS count").
		Group("bucket").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Bucket] = row.Count
	}
	return out, nil
}

func (s *responseStore) deleteBucket(ctx context.Context, bucket string) (int64, error) {
	result := s.db.WithContext(ctx).Where("bucket = ?", bucket).Delete(&models.CachedResponse{})
	return result.RowsAffected, result.Error
}

func (s *responseStore) deleteAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.CachedResponse{})
	return result.RowsAffected, result.Error
}

// deletePath removes bucket rows whose path is p or lies below it.
func (s *responseStore) deletePath(ctx context.Context, bucket, p string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("bucket = ? AND (path = ? OR path LIKE ? ESCAPE '!')", bucket, p, escapeLike(p)+"/%").
		Delete(&models.CachedResponse{})
	return result.RowsAffected, result.Error
}

// deleteOlderThan removes rows of bucket written before cutoff.
func (s *responseStore) deleteOlderThan(ctx context.Context, bucket string, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("bucket = ? AND cached_at < ?", bucket, cutoff).
		Delete(&models.CachedResponse{})
	return result.RowsAffected, result.Error
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// escapeLike quotes LIKE metacharacters with '!', which every supported
// dialect accepts as an ESCAPE character.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
