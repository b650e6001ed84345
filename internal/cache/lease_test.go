package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/database/testutil"
)

func TestDatabaseLease(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	lease := NewDatabaseLease(db)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lease.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := lease.Acquire(ctx, "replay", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lease.Acquire(ctx, "replay", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = lease.Acquire(ctx, "replay", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "owner may extend its lease")

	now = now.Add(2 * time.Minute)
	ok, err = lease.Acquire(ctx, "replay", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is taken over")

	require.NoError(t, lease.Release(ctx, "replay", "worker-a"))
	ok, err = lease.Acquire(ctx, "replay", "worker-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "release by a former owner is ignored")

	require.NoError(t, lease.Release(ctx, "replay", "worker-b"))
	ok, err = lease.Acquire(ctx, "replay", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocalLease(t *testing.T) {
	lease := NewLocalLease()
	ctx := context.Background()

	ok, _ := lease.Acquire(ctx, "replay", "a", time.Minute)
	require.True(t, ok)
	ok, _ = lease.Acquire(ctx, "replay", "b", time.Minute)
	require.False(t, ok)
	require.NoError(t, lease.Release(ctx, "replay", "a"))
	ok, _ = lease.Acquire(ctx, "replay", "b", time.Minute)
	require.True(t, ok)
}
