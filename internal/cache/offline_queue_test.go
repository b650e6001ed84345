package cache

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/carecache/internal/models"
)

func TestOfflineQueueOrdersByTimestamp(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	t1 := clock.Now().Add(-3 * time.Minute)
	t2 := clock.Now().Add(-2 * time.Minute)
	t3 := clock.Now().Add(-1 * time.Minute)

	for _, action := range []models.OfflineAction{
		{Type: models.ActionUpdate, Table: "vitals", Timestamp: t3},
		{Type: models.ActionCreate, Table: "patients", Timestamp: t1},
		{Type: models.ActionDelete, Table: "beds", Timestamp: t2},
	} {
		require.True(t, store.AddOfflineAction(ctx, action).OK())
	}

	actions := store.GetOfflineActions(ctx)
	require.True(t, actions.OK())
	require.Len(t, actions.Value(), 3)
	require.Equal(t, []string{"patients", "beds", "vitals"}, []string{
		actions.Value()[0].Table,
		actions.Value()[1].Table,
		actions.Value()[2].Table,
	})
}

func TestOfflineQueueAddNormalisesAction(t *testing.T) {
	store, clock := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	added := store.AddOfflineAction(ctx, models.OfflineAction{
		Type:       models.ActionCreate,
		Table:      "prescriptions",
		RecordID:   "rx-9",
		HospitalID: "hosp-A",
		Data:       datatypes.JSON(`{"drug":"amoxicillin"}`),
		RetryCount: 5,
		LastError:  "left over",
	})
	require.True(t, added.OK())

	action := added.Value()
	require.Len(t, action.ID, 26)
	require.Zero(t, action.RetryCount)
	require.Empty(t, action.LastError)
	require.Equal(t, 3, action.MaxRetries)
	require.True(t, action.Timestamp.Equal(clock.Now()))

	require.False(t, store.AddOfflineAction(ctx, models.OfflineAction{Type: "upsert", Table: "patients"}).OK())
	require.False(t, store.AddOfflineAction(ctx, models.OfflineAction{Type: models.ActionCreate, Table: ""}).OK())
}

func TestOfflineQueueUpdateAndDelete(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	action := store.AddOfflineAction(ctx, models.OfflineAction{Type: models.ActionUpdate, Table: "beds", MaxRetries: 5}).Value()
	require.Equal(t, 5, action.MaxRetries)

	action.RetryCount = 2
	action.LastError = "connection refused"
	require.True(t, store.UpdateOfflineAction(ctx, action).OK())

	stored := store.GetOfflineActions(ctx).Value()
	require.Len(t, stored, 1)
	require.Equal(t, 2, stored[0].RetryCount)
	require.Equal(t, "connection refused", stored[0].LastError)

	require.EqualValues(t, 1, store.DeleteOfflineAction(ctx, action.ID).Value())
	require.False(t, store.UpdateOfflineAction(ctx, action).OK())
	require.Empty(t, store.GetOfflineActions(ctx).Value())
}

func TestOfflineQueueTruncatesLastErrorOnRuneBoundary(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	action := store.AddOfflineAction(ctx, models.OfflineAction{Type: models.ActionUpdate, Table: "beds"}).Value()
	// 'é' is two bytes, so byte 1024 falls inside a rune.
	action.LastError = "x" + strings.Repeat("é", 600)
	require.True(t, store.UpdateOfflineAction(ctx, action).OK())

	stored := store.GetOfflineActions(ctx).Value()
	require.Len(t, stored, 1)
	require.True(t, utf8.ValidString(stored[0].LastError))
	require.Len(t, stored[0].LastError, 1023)

	require.Equal(t, "ab", truncate("abc", 2))
	require.Equal(t, "", truncate("é", 1))
}

func TestOfflineQueuePendingInStats(t *testing.T) {
	store, _ := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.True(t, store.AddOfflineAction(ctx, models.OfflineAction{Type: models.ActionDelete, Table: "patients"}).OK())
	require.EqualValues(t, 1, store.GetStats(ctx).Value().Pending)
}
