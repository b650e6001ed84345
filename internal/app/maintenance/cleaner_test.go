package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/cache"
	testutil "github.com/charlesng35/carecache/internal/database/testutil"
	"github.com/charlesng35/carecache/internal/offline"
)

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

type stubReplayer struct {
	summary offline.Summary
	err     error
	calls   int
}

func (r *stubReplayer) Replay(context.Context) (offline.Summary, error) {
	r.calls++
	return r.summary, r.err
}

type stubPruner struct {
	retention time.Duration
	err       error
}

func (p *stubPruner) Prune(_ context.Context, retention time.Duration) (int64, error) {
	p.retention = retention
	return 2, p.err
}

func newStore(t *testing.T, clock *fixedClock) *cache.DatabaseStore {
	t.Helper()
	store := cache.NewDatabaseStore(testutil.MustOpenTestDB(t), cache.DefaultConfig(), cache.WithNow(clock.Now))
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestCleanerRunOnce(t *testing.T) {
	clock := &fixedClock{current: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)}
	store := newStore(t, clock)
	ctx := context.Background()

	require.True(t, store.Set(ctx, "patients", "p1", map[string]string{"name": "Ada"}, "h1").OK())
	clock.current = clock.current.Add(2 * time.Hour)

	replayer := &stubReplayer{summary: offline.Summary{Applied: 1}}
	pruner := &stubPruner{}
	c := NewCleaner(store, replayer, pruner,
		WithNow(clock.Now),
		WithAPIRetention(6*time.Hour),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(ctx))

	stats, err := store.GetStats(ctx).Unwrap()
	require.NoError(t, err)
	require.Zero(t, stats.TotalEntries)

	require.Equal(t, 1, replayer.calls)
	meta, err := store.GetMetadata(ctx).Unwrap()
	require.NoError(t, err)
	require.True(t, meta.LastSync.Equal(clock.current))

	require.Equal(t, 6*time.Hour, pruner.retention)
}

func TestCleanerRunOnceAggregatesErrors(t *testing.T) {
	clock := &fixedClock{current: time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)}
	replayErr := errors.New("queue unreadable")
	pruneErr := errors.New("disk full")

	c := NewCleaner(newStore(t, clock), &stubReplayer{err: replayErr}, &stubPruner{err: pruneErr})
	err := c.RunOnce(context.Background())
	require.ErrorIs(t, err, replayErr)
	require.ErrorIs(t, err, pruneErr)
}

func TestCleanerIgnoresReplayInProgress(t *testing.T) {
	replayer := &stubReplayer{err: offline.ErrReplayInProgress}
	c := NewCleaner(nil, replayer, nil)

	require.NoError(t, c.RunOnce(context.Background()))
	require.Equal(t, 1, replayer.calls)
}

func TestCleanerStart(t *testing.T) {
	c := NewCleaner(nil, nil, nil)
	require.NoError(t, c.Start())
	<-c.Stop().Done()

	bad := NewCleaner(nil, &stubReplayer{}, nil, WithReplaySchedule("every tuesday"))
	require.Error(t, bad.Start())

	good := NewCleaner(nil, &stubReplayer{}, &stubPruner{}, WithReplaySchedule("@every 1h"), WithGCSchedule("@weekly"))
	require.NoError(t, good.Start())
	<-good.Stop().Done()
}
