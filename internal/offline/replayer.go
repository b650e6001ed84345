package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
	"github.com/charlesng35/carecache/pkg/logger"
	"github.com/charlesng35/carecache/pkg/metrics"
)

const (
	// DefaultMaxAge is how long an action may wait in the queue.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultLeaseTTL bounds how long a crashed replayer blocks others.
	DefaultLeaseTTL = 2 * time.Minute
	// LeaseName identifies the replay lease.
	LeaseName = "offline-replay"
)

// ErrReplayInProgress is returned when another replayer holds the lease.
var ErrReplayInProgress = errors.New("offline: replay already in progress")

// Invalidator refreshes the caches after a replayed mutation.
type Invalidator interface {
	InvalidateAfterMutation(ctx context.Context, entity string, mutation models.ActionType, data invalidation.MutationData) invalidation.Report
}

// Notifier surfaces offline actions that will never apply.
type Notifier interface {
	NotifyExhausted(ctx context.Context, failure models.FailedAction)
}

// ReplayConfig tunes the replay pass.
type ReplayConfig struct {
	MaxAge   time.Duration
	LeaseTTL time.Duration
	// Owner identifies this process in the lease; a random id when empty.
	Owner string
}

// Summary reports the outcome of one replay pass.
type Summary struct {
	Applied     int  `json:"applied"`
	Retrying    int  `json:"retrying"`
	Exhausted   int  `json:"exhausted"`
	Expired     int  `json:"expired"`
	Deferred    int  `json:"deferred"`
	Remaining   int  `json:"remaining"`
	Interrupted bool `json:"interrupted"`
}

// Replayer drains the offline queue against the remote service.
type Replayer struct {
	queue       cache.OfflineQueue
	remote      Remote
	invalidator Invalidator
	failures    FailureLog
	notifier    Notifier
	lease       cache.Lease
	cfg         ReplayConfig
	now         func() time.Time
	log         *zap.Logger
}

// ReplayerOption customises a Replayer.
type ReplayerOption func(*Replayer)

// WithNotifier sets the exhaustion notifier.
func WithNotifier(n Notifier) ReplayerOption {
	return func(r *Replayer) { r.notifier = n }
}

// WithLease sets the cross-process replay lease. Without one an in-process
// lease is used.
func WithLease(l cache.Lease) ReplayerOption {
	return func(r *Replayer) {
		if l != nil {
			r.lease = l
		}
	}
}

// WithClock overrides the clock used for the age check.
func WithClock(now func() time.Time) ReplayerOption {
	return func(r *Replayer) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReplayer wires a replayer. invalidator may be nil when no cache needs refreshing.
func NewReplayer(queue cache.OfflineQueue, remote Remote, invalidator Invalidator, failures FailureLog, cfg ReplayConfig, opts ...ReplayerOption) *Replayer {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}

	r := &Replayer{
		queue:       queue,
		remote:      remote,
		invalidator: invalidator,
		failures:    failures,
		lease:       cache.NewLocalLease(),
		cfg:         cfg,
		now:         time.Now,
		log:         logger.WithModule("offline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay runs one pass over the queue in timestamp order. A failed action
// holds back later actions of the same table until the next pass, and an
// unreachable remote ends the pass without spending retries.
func (r *Replayer) Replay(ctx context.Context) (Summary, error) {
	var summary Summary

	acquired, err := r.lease.Acquire(ctx, LeaseName, r.cfg.Owner, r.cfg.LeaseTTL)
	if err != nil {
		return summary, fmt.Errorf("acquire replay lease: %w", err)
	}
	if !acquired {
		return summary, ErrReplayInProgress
	}
	defer func() {
		if err := r.lease.Release(context.WithoutCancel(ctx), LeaseName, r.cfg.Owner); err != nil {
			r.log.Warn("release replay lease failed", zap.Error(err))
		}
	}()

	actions, err := r.queue.GetOfflineActions(ctx).Unwrap()
	if err != nil {
		return summary, err
	}

	now := r.now()
	held := map[string]bool{}
	for idx, action := range actions {
		if err := ctx.Err(); err != nil {
			summary.Interrupted = true
			summary.Remaining += len(actions) - idx
			break
		}
		if idx > 0 && !r.renew(ctx) {
			summary.Interrupted = true
			summary.Remaining += len(actions) - idx
			break
		}

		if now.Sub(action.Timestamp) > r.cfg.MaxAge {
			if r.abandon(ctx, action, models.FailureExpired) {
				summary.Expired++
			} else {
				summary.Remaining++
			}
			continue
		}
		if held[action.Table] {
			summary.Deferred++
			summary.Remaining++
			continue
		}

		err := r.remote.Apply(ctx, action, IdempotencyKey(action.ID))
		if err == nil {
			r.completed(ctx, action)
			summary.Applied++
			continue
		}

		if IsNetworkError(err) {
			r.log.Info("remote unreachable; replay paused",
				zap.String("action_id", action.ID),
				zap.Int("remaining", len(actions)-idx),
				zap.Error(err),
			)
			summary.Interrupted = true
			summary.Remaining += len(actions) - idx
			break
		}

		held[action.Table] = true
		action.RetryCount++
		action.LastError = err.Error()

		if action.Exhausted() {
			if r.abandon(ctx, action, models.FailureExhausted) {
				summary.Exhausted++
			} else {
				summary.Remaining++
			}
			continue
		}

		r.queue.UpdateOfflineAction(ctx, action)
		metrics.ReplayOutcomes.WithLabelValues(action.Table, "retry").Inc()
		logger.WithTenant(r.log, action.HospitalID).Warn("offline action failed; will retry",
			zap.String("action_id", action.ID),
			zap.String("table", action.Table),
			zap.Int("retry_count", action.RetryCount),
			zap.Int("max_retries", action.MaxRetries),
			zap.Error(err),
		)
		summary.Retrying++
		summary.Remaining++
	}

	metrics.PendingActions.Set(float64(summary.Remaining))
	if summary.Applied+summary.Exhausted+summary.Expired > 0 {
		r.log.Info("offline replay pass finished",
			zap.Int("applied", summary.Applied),
			zap.Int("retrying", summary.Retrying),
			zap.Int("exhausted", summary.Exhausted),
			zap.Int("expired", summary.Expired),
			zap.Int("remaining", summary.Remaining),
		)
	}
	return summary, nil
}

// renew extends the lease before the next action so a long pass keeps it.
// A lease lost to another owner ends the pass.
func (r *Replayer) renew(ctx context.Context) bool {
	held, err := r.lease.Acquire(ctx, LeaseName, r.cfg.Owner, r.cfg.LeaseTTL)
	if err != nil {
		r.log.Warn("renew replay lease failed", zap.Error(err))
		return false
	}
	if !held {
		r.log.Warn("replay lease lost; pass stopped", zap.String("owner", r.cfg.Owner))
	}
	return held
}

func (r *Replayer) completed(ctx context.Context, action models.OfflineAction) {
	if deleted := r.queue.DeleteOfflineAction(ctx, action.ID); !deleted.OK() {
		// The next pass replays it again under the same idempotency key.
		r.log.Warn("applied offline action left in queue", zap.String("action_id", action.ID), zap.Error(deleted.Err()))
	}
	metrics.ReplayOutcomes.WithLabelValues(action.Table, "applied").Inc()

	if r.invalidator != nil {
		r.invalidator.InvalidateAfterMutation(ctx, action.Table, action.Type, invalidation.MutationData{
			ID:         action.RecordID,
			HospitalID: action.HospitalID,
		})
	}
}

// abandon moves action to the failure log and announces it. The action stays
// queued when the log cannot be written, so nothing is dropped silently.
func (r *Replayer) abandon(ctx context.Context, action models.OfflineAction, reason models.FailureReason) bool {
	log := logger.WithTenant(r.log, action.HospitalID).With(
		zap.String("action_id", action.ID),
		zap.String("table", action.Table),
		zap.String("reason", string(reason)),
	)

	failure := models.FailedAction{
		ActionID:   action.ID,
		Type:       action.Type,
		Table:      action.Table,
		RecordID:   action.RecordID,
		HospitalID: action.HospitalID,
		Data:       action.Data,
		Reason:     reason,
		LastError:  action.LastError,
		Attempts:   action.RetryCount,
		QueuedAt:   action.Timestamp,
		FailedAt:   r.now().UTC(),
	}
	if reason == models.FailureExpired && failure.LastError == "" {
		failure.LastError = fmt.Sprintf("queued longer than %s", r.cfg.MaxAge)
	}

	created := true
	if r.failures != nil {
		var err error
		created, err = r.failures.Record(ctx, failure)
		if err != nil {
			log.Error("cannot record failed offline action; keeping it queued", zap.Error(err))
			return false
		}
	}

	if deleted := r.queue.DeleteOfflineAction(ctx, action.ID); !deleted.OK() {
		log.Error("failed offline action could not be removed from queue", zap.Error(deleted.Err()))
	}
	metrics.ReplayOutcomes.WithLabelValues(action.Table, string(reason)).Inc()
	log.Error("offline action abandoned",
		zap.Int("attempts", action.RetryCount),
		zap.Error(fmt.Errorf("%w: %s", apperrors.ErrReplayExhausted, failure.LastError)),
	)

	if created && r.notifier != nil {
		r.notifier.NotifyExhausted(ctx, failure)
	}
	return true
}
