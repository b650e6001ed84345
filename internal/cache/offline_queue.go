package cache

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/metrics"
	"github.com/charlesng35/carecache/pkg/validator"
)

// AddOfflineAction appends a mutation to the replay queue. The id is assigned
// here when empty, the retry count always starts at zero and MaxRetries falls
// back to the configured default.
func (s *DatabaseStore) AddOfflineAction(ctx context.Context, action models.OfflineAction) Result[models.OfflineAction] {
	if !action.Type.Valid() {
		return failed[models.OfflineAction](s, "queue_add", fmt.Errorf("offline: unknown action type %q", action.Type))
	}
	if !validator.IsEntityName(action.Table) {
		return failed[models.OfflineAction](s, "queue_add", fmt.Errorf("offline: invalid table %q", action.Table))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[models.OfflineAction](s, "queue_add", err)
	}

	if action.Timestamp.IsZero() {
		action.Timestamp = s.now()
	}
	action.Timestamp = action.Timestamp.UTC()
	if strings.TrimSpace(action.ID) == "" {
		action.ID = ulid.MustNew(ulid.Timestamp(action.Timestamp), ulid.DefaultEntropy()).String()
	}
	if len(action.Data) == 0 {
		action.Data = datatypes.JSON("null")
	}
	action.RetryCount = 0
	action.LastError = ""
	if action.MaxRetries <= 0 {
		action.MaxRetries = s.cfg.DefaultMaxRetries
	}

	if err := db.Create(&action).Error; err != nil {
		return failed[models.OfflineAction](s, "queue_add", storageErr(err), zap.String("table", action.Table))
	}
	metrics.PendingActions.Inc()
	return Ok(action)
}

// GetOfflineActions lists queued actions oldest first; ties break on id.
func (s *DatabaseStore) GetOfflineActions(ctx context.Context) Result[[]models.OfflineAction] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[[]models.OfflineAction](s, "queue_list", err)
	}

	var actions []models.OfflineAction
	if err := db.Order("timestamp ASC").Order("id ASC").Find(&actions).Error; err != nil {
		return failed[[]models.OfflineAction](s, "queue_list", storageErr(err))
	}
	metrics.PendingActions.Set(float64(len(actions)))
	return Ok(actions)
}

// UpdateOfflineAction persists the retry bookkeeping of a queued action.
func (s *DatabaseStore) UpdateOfflineAction(ctx context.Context, action models.OfflineAction) Result[models.OfflineAction] {
	if strings.TrimSpace(action.ID) == "" {
		return failed[models.OfflineAction](s, "queue_update", fmt.Errorf("offline: action id is required"))
	}
	db, err := s.conn(ctx)
	if err != nil {
		return failed[models.OfflineAction](s, "queue_update", err)
	}

	result := db.Model(&models.OfflineAction{}).
		Where("id = ?", action.ID).
		Updates(map[string]any{
			"retry_count": action.RetryCount,
			"max_retries": action.MaxRetries,
			"last_error":  truncate(action.LastError, 1024),
		})
	if result.Error != nil {
		return failed[models.OfflineAction](s, "queue_update", storageErr(result.Error), zap.String("action_id", action.ID))
	}
	if result.RowsAffected == 0 {
		return failed[models.OfflineAction](s, "queue_update", apperrors.ErrNotFound.WithInternal(fmt.Errorf("offline action %s", action.ID)))
	}
	return Ok(action)
}

// DeleteOfflineAction removes an action from the queue.
func (s *DatabaseStore) DeleteOfflineAction(ctx context.Context, id string) Result[int64] {
	db, err := s.conn(ctx)
	if err != nil {
		return failed[int64](s, "queue_delete", err)
	}

	result := db.Where("id = ?", id).Delete(&models.OfflineAction{})
	if result.Error != nil {
		return failed[int64](s, "queue_delete", storageErr(result.Error), zap.String("action_id", id))
	}
	if result.RowsAffected > 0 {
		metrics.PendingActions.Sub(float64(result.RowsAffected))
	}
	return Ok(result.RowsAffected)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
