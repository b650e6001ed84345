package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/middleware"
	"github.com/charlesng35/carecache/internal/models"
	"github.com/charlesng35/carecache/internal/offline"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/response"
	"github.com/charlesng35/carecache/pkg/validator"
)

// DismissNotifier announces that a failed action was acknowledged.
type DismissNotifier interface {
	NotifyDismissed(ctx context.Context, failure models.FailedAction)
}

// OfflineHandler exposes the offline action queue, its replay and the failure log.
type OfflineHandler struct {
	actions  cache.OfflineQueue
	queue    *offline.Queue
	replayer *offline.Replayer
	failures offline.FailureLog
	notifier DismissNotifier
}

// NewOfflineHandler constructs an offline handler. queue and replayer are nil
// when no remote data service is configured; submitted actions then wait in
// the queue.
func NewOfflineHandler(actions cache.OfflineQueue, queue *offline.Queue, replayer *offline.Replayer, failures offline.FailureLog, notifier DismissNotifier) *OfflineHandler {
	return &OfflineHandler{
		actions:  actions,
		queue:    queue,
		replayer: replayer,
		failures: failures,
		notifier: notifier,
	}
}

type submitActionRequest struct {
	Type       string          `json:"type" validate:"required,oneof=create update delete"`
	Table      string          `json:"table" validate:"required,entity"`
	RecordID   string          `json:"record_id" validate:"required_unless=Type create"`
	HospitalID string          `json:"hospital_id"`
	Data       json.RawMessage `json:"data"`
	Timestamp  *time.Time      `json:"timestamp"`
	MaxRetries int             `json:"max_retries" validate:"gte=0,lte=100"`
}

// ListActions returns pending actions oldest first, narrowed to the caller's
// hospital when one is given.
func (h *OfflineHandler) ListActions(c *gin.Context) {
	actions, err := h.actions.GetOfflineActions(requestContext(c)).Unwrap()
	if err != nil {
		response.Error(c, err)
		return
	}

	hospitalID := middleware.HospitalID(c)
	filtered := make([]models.OfflineAction, 0, len(actions))
	for _, action := range actions {
		if hospitalID == "" || action.HospitalID == hospitalID {
			filtered = append(filtered, action)
		}
	}
	response.WithMeta(c, filtered, response.Meta{HospitalID: hospitalID, Count: len(filtered)})
}

// SubmitAction applies a mutation through the remote or queues it for replay.
// 200 means applied, 202 means queued.
func (h *OfflineHandler) SubmitAction(c *gin.Context) {
	var req submitActionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !validator.IsEntityName(req.Table) {
		response.Error(c, apperrors.NewBadRequest("invalid table name"))
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		response.Error(c, apperrors.NewBadRequest("data must be a JSON document"))
		return
	}

	action := models.OfflineAction{
		Type:       models.ActionType(req.Type),
		Table:      req.Table,
		RecordID:   strings.TrimSpace(req.RecordID),
		HospitalID: strings.TrimSpace(req.HospitalID),
		Data:       datatypes.JSON(req.Data),
		MaxRetries: req.MaxRetries,
	}
	if action.HospitalID == "" {
		action.HospitalID = middleware.HospitalID(c)
	}
	if req.Timestamp != nil {
		action.Timestamp = *req.Timestamp
	}
	ctx := requestContext(c)

	if h.queue == nil {
		queued, err := h.actions.AddOfflineAction(ctx, action).Unwrap()
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, http.StatusAccepted, offline.SubmitResult{Action: queued, Queued: true})
		return
	}

	result, err := h.queue.Submit(ctx, action)
	if err != nil {
		var rejected *offline.RemoteError
		if errors.As(err, &rejected) {
			response.Error(c, apperrors.New("offline.remote_rejected", rejected.Error(), http.StatusUnprocessableEntity))
			return
		}
		response.Error(c, err)
		return
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	response.Success(c, status, result)
}

// Replay runs one replay pass now.
func (h *OfflineHandler) Replay(c *gin.Context) {
	if h.replayer == nil {
		response.Error(c, apperrors.New("offline.remote_not_configured", "No remote data service configured", http.StatusServiceUnavailable))
		return
	}
	summary, err := h.replayer.Replay(requestContext(c))
	if errors.Is(err, offline.ErrReplayInProgress) {
		response.Error(c, apperrors.ErrConflict)
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, summary)
}

// ListFailures returns abandoned actions, newest first.
func (h *OfflineHandler) ListFailures(c *gin.Context) {
	hospitalID := strings.TrimSpace(c.Query("hospital_id"))
	if hospitalID == "" {
		hospitalID = middleware.HospitalID(c)
	}
	failures, err := h.failures.List(requestContext(c), offline.FailureFilter{
		HospitalID:       hospitalID,
		IncludeDismissed: c.Query("include_dismissed") == "true",
		Limit:            queryLimit(c, "limit", 100, 500),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.WithMeta(c, failures, response.Meta{HospitalID: hospitalID, Count: len(failures)})
}

// DismissFailure acknowledges a failed action.
func (h *OfflineHandler) DismissFailure(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.Error(c, apperrors.NewBadRequest("id is required"))
		return
	}
	ctx := requestContext(c)
	failure, err := h.failures.Dismiss(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyDismissed(ctx, failure)
	}
	response.Success(c, http.StatusOK, failure)
}
