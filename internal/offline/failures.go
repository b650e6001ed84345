package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

// FailureLog retains offline actions that left the queue without applying.
type FailureLog interface {
	// Record stores failure. It reports false when the action was already logged.
	Record(ctx context.Context, failure models.FailedAction) (bool, error)
	List(ctx context.Context, filter FailureFilter) ([]models.FailedAction, error)
	Dismiss(ctx context.Context, id string) (models.FailedAction, error)
}

// FailureFilter narrows List.
type FailureFilter struct {
	HospitalID       string
	IncludeDismissed bool
	Limit            int
}

// DatabaseFailureLog keeps the failure log in the cache database.
type DatabaseFailureLog struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDatabaseFailureLog constructs a gorm-backed FailureLog.
func NewDatabaseFailureLog(db *gorm.DB) *DatabaseFailureLog {
	if db == nil {
		return nil
	}
	return &DatabaseFailureLog{db: db, now: time.Now}
}

// Record implements FailureLog.
func (l *DatabaseFailureLog) Record(ctx context.Context, failure models.FailedAction) (bool, error) {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = l.now().UTC()
	}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "action_id"}}, DoNothing: true}).
		Create(&failure)
	if result.Error != nil {
		return false, fmt.Errorf("record failed action %s: %w", failure.ActionID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// List implements FailureLog, newest first.
func (l *DatabaseFailureLog) List(ctx context.Context, filter FailureFilter) ([]models.FailedAction, error) {
	query := l.db.WithContext(ctx).Model(&models.FailedAction{})
	if filter.HospitalID != "" {
		query = query.Where("hospital_id = ?", filter.HospitalID)
	}
	if !filter.IncludeDismissed {
		query = query.Where("dismissed_at IS NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var failures []models.FailedAction
	if err := query.Order("failed_at DESC").Find(&failures).Error; err != nil {
		return nil, err
	}
	return failures, nil
}

// Dismiss implements FailureLog. Dismissing twice keeps the first time.
func (l *DatabaseFailureLog) Dismiss(ctx context.Context, id string) (models.FailedAction, error) {
	var failure models.FailedAction
	err := l.db.WithContext(ctx).Take(&failure, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.FailedAction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return models.FailedAction{}, err
	}
	if failure.DismissedAt != nil {
		return failure, nil
	}

	now := l.now().UTC()
	if err := l.db.WithContext(ctx).Model(&failure).Update("dismissed_at", now).Error; err != nil {
		return models.FailedAction{}, err
	}
	failure.DismissedAt = &now
	return failure, nil
}
