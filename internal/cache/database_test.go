package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/carecache/internal/database/testutil"
	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, cfg Config) (*DatabaseStore, *testClock) {
	t.Helper()

	clock := newTestClock()
	db := testutil.MustOpenTestDB(t)
	store := NewDatabaseStore(db, cfg, WithNow(clock.Now))
	require.NotNil(t, store)
	require.NoError(t, store.Init(context.Background()))
	return store, clock
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	require.NotNil(t, raw)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestDatabaseStoreSetAndGetWithinTTL(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	written := store.Set(ctx, "appointments", "appt-1", map[string]any{"patient": "p-1", "slot": "09:30"}, "hosp-A")
	require.True(t, written.OK())
	require.Equal(t, clock.Now(), written.Value())

	clock.Advance(90 * time.Second)

	got := store.Get(ctx, "appointments", "appt-1", "hosp-A")
	require.True(t, got.OK())
	require.Equal(t, "p-1", decode(t, got.Value())["patient"])

	other := store.Get(ctx, "appointments", "appt-1", "hosp-B")
	require.True(t, other.OK())
	require.Nil(t, other.Value())
}

func TestDatabaseStoreTTLMonotonicity(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "appointments", "appt-1", map[string]string{"id": "appt-1"}, "hosp-A").OK())
	require.True(t, store.Set(ctx, "lab_results", "lab-1", map[string]string{"id": "lab-1"}, "hosp-A").OK())

	clock.Advance(2*time.Minute + time.Second)

	require.Nil(t, store.Get(ctx, "appointments", "appt-1", "hosp-A").Value())
	require.NotNil(t, store.Get(ctx, "lab_results", "lab-1", "hosp-A").Value())

	stats := store.GetStats(ctx)
	require.True(t, stats.OK())
	require.EqualValues(t, 1, stats.Value().TotalEntries)
	require.NotContains(t, stats.Value().PerStore, "appointments")

	// A fresh write resets the age.
	require.True(t, store.Set(ctx, "appointments", "appt-1", map[string]string{"id": "appt-1"}, "hosp-A").OK())
	require.NotNil(t, store.Get(ctx, "appointments", "appt-1", "").Value())
}

func TestDatabaseStoreGetAllByHospital(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "patients", "p-1", map[string]string{"id": "p-1"}, "hosp-A").OK())
	clock.Advance(4 * time.Minute)
	require.True(t, store.Set(ctx, "patients", "p-2", map[string]string{"id": "p-2"}, "hosp-A").OK())
	require.True(t, store.Set(ctx, "patients", "p-3", map[string]string{"id": "p-3"}, "hosp-B").OK())
	clock.Advance(2 * time.Minute)

	values := store.GetAllByHospital(ctx, "patients", "hosp-A")
	require.True(t, values.OK())
	require.Len(t, values.Value(), 1)
	require.Equal(t, "p-2", decode(t, values.Value()[0])["id"])

	// The expired row was removed by the scan.
	require.EqualValues(t, 2, store.GetStats(ctx).Value().TotalEntries)

	require.Empty(t, store.GetAllByHospital(ctx, "patients", "hosp-C").Value())
}

func TestDatabaseStoreTenantIsolation(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "patients", "p-1", map[string]string{"name": "A"}, "hosp-A").OK())
	require.True(t, store.Set(ctx, "vitals", "v-1", map[string]string{"bp": "120/80"}, "hosp-A").OK())
	require.True(t, store.Set(ctx, "patients", "p-2", map[string]string{"name": "B"}, "hosp-B").OK())

	removed := store.ClearHospital(ctx, "hosp-A")
	require.True(t, removed.OK())
	require.EqualValues(t, 2, removed.Value())

	require.Nil(t, store.Get(ctx, "patients", "p-1", "hosp-A").Value())
	require.NotNil(t, store.Get(ctx, "patients", "p-2", "hosp-B").Value())

	// Same key written by another tenant takes the row over.
	require.True(t, store.Set(ctx, "patients", "p-2", map[string]string{"name": "C"}, "hosp-C").OK())
	require.Nil(t, store.Get(ctx, "patients", "p-2", "hosp-B").Value())
	require.Equal(t, "C", decode(t, store.Get(ctx, "patients", "p-2", "hosp-C").Value())["name"])

	require.False(t, store.ClearHospital(ctx, " ").OK())
}

func TestDatabaseStoreDeleteAndClearAll(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "beds", "b-1", map[string]bool{"free": true}, "hosp-A").OK())
	require.True(t, store.Set(ctx, "beds", "b-2", map[string]bool{"free": false}, "hosp-A").OK())
	require.True(t, store.AddOfflineAction(ctx, models.OfflineAction{Type: models.ActionUpdate, Table: "beds", RecordID: "b-1", HospitalID: "hosp-A"}).OK())

	require.EqualValues(t, 1, store.Delete(ctx, "beds", "b-1").Value())
	require.EqualValues(t, 0, store.Delete(ctx, "beds", "b-1").Value())

	require.True(t, store.TouchMetadata(ctx, time.Now()).OK())

	cleared := store.ClearAll(ctx, false)
	require.True(t, cleared.OK())
	require.EqualValues(t, 2, cleared.Value())
	require.Empty(t, store.GetOfflineActions(ctx).Value())

	meta := store.GetMetadata(ctx)
	require.True(t, meta.OK())
	require.False(t, meta.Value().LastSync.IsZero())

	require.True(t, store.ClearAll(ctx, true).OK())
	require.True(t, store.GetMetadata(ctx).Value().LastSync.IsZero())
}

func TestDatabaseStoreCleanupHonoursPerStoreTTL(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.Set(ctx, "appointments", "a", 1, "hosp-A").OK())
	require.True(t, store.Set(ctx, "patients", "p", 1, "hosp-A").OK())
	require.True(t, store.Set(ctx, "billing", "b", 1, "hosp-A").OK())
	require.True(t, store.Set(ctx, "unknown_store", "u", 1, "hosp-A").OK())

	clock.Advance(6 * time.Minute)

	removed := store.Cleanup(ctx)
	require.True(t, removed.OK())
	require.EqualValues(t, 3, removed.Value())

	stats := store.GetStats(ctx).Value()
	require.EqualValues(t, 1, stats.TotalEntries)
	require.EqualValues(t, 1, stats.PerStore["billing"])
	require.NotNil(t, stats.OldestEntry)
	require.NotNil(t, stats.NewestEntry)
	require.True(t, stats.OldestEntry.Equal(*stats.NewestEntry))
}

func TestDatabaseStoreCleanupOnWriteThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupThreshold = 3
	store, clock := newTestStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, store.Set(ctx, "patients", fmt.Sprintf("old-%d", i), i, "hosp-A").OK())
	}
	clock.Advance(10 * time.Minute)
	require.True(t, store.Set(ctx, "patients", "fresh", 1, "hosp-A").OK())

	require.EqualValues(t, 1, store.GetStats(ctx).Value().TotalEntries)
}

func TestDatabaseStoreRejectsInvalidInput(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.False(t, store.Set(ctx, "Patients!", "p", 1, "hosp-A").OK())
	require.False(t, store.Set(ctx, "patients", "", 1, "hosp-A").OK())
	require.False(t, store.Set(ctx, "patients", "p", 1, "").OK())
	require.False(t, store.Set(ctx, "patients", "p", json.RawMessage("{broken"), "hosp-A").OK())
	require.Nil(t, store.Get(ctx, "patients", "p", "hosp-A").Or(json.RawMessage(nil)))
}

func TestDatabaseStoreNilIsTotal(t *testing.T) {
	var store *DatabaseStore
	ctx := context.Background()

	got := store.Get(ctx, "patients", "p-1", "hosp-A")
	require.False(t, got.OK())
	require.ErrorIs(t, got.Err(), apperrors.ErrStorageUnavailable)
	require.Nil(t, got.Value())
	require.EqualValues(t, 7, store.Delete(ctx, "patients", "p-1").Or(7))
	require.Zero(t, store.GetStats(ctx).Value().TotalEntries)
}

func TestDatabaseStoreUnavailableAfterClose(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	got := store.Get(ctx, "patients", "p-1", "hosp-A")
	require.False(t, got.OK())
	require.ErrorIs(t, got.Err(), apperrors.ErrStorageUnavailable)
	require.False(t, store.Set(ctx, "patients", "p-1", 1, "hosp-A").OK())
}

func TestDatabaseStoreConcurrentInit(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	store := NewDatabaseStore(db, DefaultConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.True(t, store.Set(context.Background(), "staff", "s-1", 1, "hosp-A").OK())
}

func TestReadThrough(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		return map[string]string{"id": "rx-1"}, nil
	}

	first := ReadThrough(ctx, store, "prescriptions", "rx-1", "hosp-A", fetch)
	require.True(t, first.OK())
	second := ReadThrough(ctx, store, "prescriptions", "rx-1", "hosp-A", fetch)
	require.True(t, second.OK())
	require.JSONEq(t, string(first.Value()), string(second.Value()))
	require.Equal(t, 1, calls)

	failing := ReadThrough(ctx, store, "prescriptions", "rx-2", "hosp-A", func(context.Context) (any, error) {
		return nil, apperrors.ErrNetworkUnreachable
	})
	require.ErrorIs(t, failing.Err(), apperrors.ErrNetworkUnreachable)
}
