package offline

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/models"
	"github.com/charlesng35/carecache/pkg/logger"
)

// SubmitResult describes what happened to a submitted mutation.
type SubmitResult struct {
	Action models.OfflineAction `json:"action"`
	Queued bool                 `json:"queued"`
}

// Connectivity reports the last known reachability of the remote.
type Connectivity interface {
	Online() bool
	MarkOffline()
}

// Queue is the write path of the application: mutations go straight to the
// remote while it is reachable and into the offline queue otherwise.
type Queue struct {
	queue       cache.OfflineQueue
	remote      Remote
	invalidator Invalidator
	status      Connectivity
	log         *zap.Logger
}

// NewQueue wires a Queue. status may be nil, in which case every submit tries
// the remote first.
func NewQueue(queue cache.OfflineQueue, remote Remote, invalidator Invalidator, status Connectivity) *Queue {
	return &Queue{
		queue:       queue,
		remote:      remote,
		invalidator: invalidator,
		status:      status,
		log:         logger.WithModule("offline"),
	}
}

// Submit applies action or, when the remote cannot be reached, keeps it for
// replay. The action is written to the queue before the remote is tried, so a
// direct apply and a later replay share one idempotency key. While older
// actions are still pending the new one waits behind them for the next replay
// pass. A mutation the remote rejects is removed again and returned as an
// error.
func (q *Queue) Submit(ctx context.Context, action models.OfflineAction) (SubmitResult, error) {
	queued, err := q.queue.AddOfflineAction(ctx, action).Unwrap()
	if err != nil {
		return SubmitResult{}, err
	}
	if q.status != nil && !q.status.Online() {
		return SubmitResult{Action: queued, Queued: true}, nil
	}
	if q.behindPending(ctx, queued) {
		logger.WithTenant(q.log, queued.HospitalID).Debug("older actions pending; mutation queued",
			zap.String("action_id", queued.ID),
			zap.String("table", queued.Table),
		)
		return SubmitResult{Action: queued, Queued: true}, nil
	}

	err = q.remote.Apply(ctx, queued, IdempotencyKey(queued.ID))
	switch {
	case err == nil:
		q.queue.DeleteOfflineAction(ctx, queued.ID)
		if q.invalidator != nil {
			q.invalidator.InvalidateAfterMutation(ctx, queued.Table, queued.Type, invalidation.MutationData{
				ID:         queued.RecordID,
				HospitalID: queued.HospitalID,
			})
		}
		return SubmitResult{Action: queued}, nil
	case IsNetworkError(err):
		if q.status != nil {
			q.status.MarkOffline()
		}
		logger.WithTenant(q.log, queued.HospitalID).Info("remote unreachable; mutation queued",
			zap.String("action_id", queued.ID),
			zap.String("table", queued.Table),
		)
		return SubmitResult{Action: queued, Queued: true}, nil
	default:
		q.queue.DeleteOfflineAction(ctx, queued.ID)
		return SubmitResult{Action: queued}, err
	}
}

// behindPending reports whether the queue holds an action ordered before
// action. An unreadable queue counts as pending.
func (q *Queue) behindPending(ctx context.Context, action models.OfflineAction) bool {
	pending, err := q.queue.GetOfflineActions(ctx).Unwrap()
	if err != nil {
		return true
	}
	return len(pending) > 0 && pending[0].ID != action.ID
}
