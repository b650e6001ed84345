package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/models"
	"github.com/charlesng35/carecache/internal/offline"
	"github.com/charlesng35/carecache/pkg/logger"
)

const (
	defaultCleanupSpec = "@hourly"
	defaultReplaySpec  = "@every 1m"
	defaultGCSpec      = "@daily"
	defaultRetention   = 24 * time.Hour
)

// Store is the slice of the persistent store the cleaner drives.
type Store interface {
	Cleanup(ctx context.Context) cache.Result[int64]
	TouchMetadata(ctx context.Context, lastSync time.Time) cache.Result[models.CacheMetadata]
}

// Replayer drains the offline queue.
type Replayer interface {
	Replay(ctx context.Context) (offline.Summary, error)
}

// Pruner drops cached responses nobody should serve any more.
type Pruner interface {
	Prune(ctx context.Context, apiRetention time.Duration) (int64, error)
}

// Cleaner coordinates background maintenance: sweeping expired cache
// entries, replaying the offline queue and pruning stale edge responses.
type Cleaner struct {
	store    Store
	replayer Replayer
	pruner   Pruner
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
	enabled  bool

	retention       time.Duration
	cleanupSchedule string
	replaySchedule  string
	gcSchedule      string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock recorded as the last sync time.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithCleanupSchedule overrides the cron specification for the store sweep.
func WithCleanupSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cleanupSchedule = spec
		}
	}
}

// WithReplaySchedule overrides the cron specification for offline replay.
func WithReplaySchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.replaySchedule = spec
		}
	}
}

// WithGCSchedule overrides the cron specification for edge cache pruning.
func WithGCSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.gcSchedule = spec
		}
	}
}

// WithAPIRetention sets how long api responses are kept past their last write.
func WithAPIRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.retention = d
		}
	}
}

// NewCleaner constructs a Cleaner. Any nil dependency skips its job.
func NewCleaner(store Store, replayer Replayer, pruner Pruner, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		store:           store,
		replayer:        replayer,
		pruner:          pruner,
		now:             time.Now,
		retention:       defaultRetention,
		cleanupSchedule: defaultCleanupSpec,
		replaySchedule:  defaultReplaySpec,
		gcSchedule:      defaultGCSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.store != nil || cleaner.replayer != nil || cleaner.pruner != nil

	return cleaner
}

// Start registers the jobs with the cron scheduler and launches it if at least one is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.store != nil {
		if _, err := c.cron.AddFunc(c.cleanupSchedule, func() {
			if err := c.cleanup(context.Background()); err != nil {
				c.log.Warn("cache cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.replayer != nil {
		if _, err := c.cron.AddFunc(c.replaySchedule, func() {
			err := c.replay(context.Background())
			if err != nil && !errors.Is(err, offline.ErrReplayInProgress) {
				c.log.Warn("offline replay failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.pruner != nil {
		if _, err := c.cron.AddFunc(c.gcSchedule, func() {
			if err := c.prune(context.Background()); err != nil {
				c.log.Warn("edge cache pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured job sequentially. Used in tests and
// during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if c.store != nil {
		errs = multierr.Append(errs, c.cleanup(ctx))
	}
	if c.replayer != nil {
		if err := c.replay(ctx); !errors.Is(err, offline.ErrReplayInProgress) {
			errs = multierr.Append(errs, err)
		}
	}
	if c.pruner != nil {
		errs = multierr.Append(errs, c.prune(ctx))
	}
	return errs
}

func (c *Cleaner) cleanup(ctx context.Context) error {
	removed, err := c.store.Cleanup(ctx).Unwrap()
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Info("expired cache entries removed", zap.Int64("removed", removed))
	}
	return nil
}

func (c *Cleaner) replay(ctx context.Context) error {
	summary, err := c.replayer.Replay(ctx)
	if err != nil {
		return err
	}
	if summary.Applied > 0 && c.store != nil {
		c.store.TouchMetadata(ctx, c.now())
	}
	return nil
}

func (c *Cleaner) prune(ctx context.Context) error {
	removed, err := c.pruner.Prune(ctx, c.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.log.Info("stale edge responses pruned", zap.Int64("removed", removed))
	}
	return nil
}
