package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/carecache/internal/cache"
	"github.com/charlesng35/carecache/internal/database/testutil"
	"github.com/charlesng35/carecache/internal/invalidation"
	"github.com/charlesng35/carecache/internal/models"
	apperrors "github.com/charlesng35/carecache/pkg/errors"
)

var baseTime = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *cache.DatabaseStore
	failures *DatabaseFailureLog
	remote   *fakeRemote
	inval    *recordingInvalidator
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{now: baseTime}
	db := testutil.MustOpenTestDB(t)
	f.store = cache.NewDatabaseStore(db, cache.DefaultConfig(), cache.WithNow(f.clock))
	require.NoError(t, f.store.Init(context.Background()))
	f.failures = NewDatabaseFailureLog(db)
	f.failures.now = f.clock
	f.remote = newFakeRemote()
	f.inval = &recordingInvalidator{}
	f.notifier = &recordingNotifier{}
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) replayer(opts ...ReplayerOption) *Replayer {
	opts = append([]ReplayerOption{WithNotifier(f.notifier), WithClock(f.clock)}, opts...)
	return NewReplayer(f.store, f.remote, f.inval, f.failures, ReplayConfig{Owner: "test"}, opts...)
}

func (f *fixture) enqueue(t *testing.T, actionType models.ActionType, table, recordID string, at time.Time) models.OfflineAction {
	t.Helper()
	action, err := f.store.AddOfflineAction(context.Background(), models.OfflineAction{
		Type:       actionType,
		Table:      table,
		RecordID:   recordID,
		HospitalID: "h1",
		Data:       datatypes.JSON(fmt.Sprintf(`{"id":%q}`, recordID)),
		Timestamp:  at,
	}).Unwrap()
	require.NoError(t, err)
	return action
}

func (f *fixture) pending(t *testing.T) []models.OfflineAction {
	t.Helper()
	actions, err := f.store.GetOfflineActions(context.Background()).Unwrap()
	require.NoError(t, err)
	return actions
}

type remoteCall struct {
	RecordID string
	Table    string
	Key      string
}

// fakeRemote applies each idempotency key at most once, like a well behaved
// data service.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	applied map[string]int
	// fail decides the outcome of an attempt; applied reports whether the
	// mutation reached the data before err was returned.
	fail func(action models.OfflineAction, attempt int) (applied bool, err error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{applied: map[string]int{}}
}

func (r *fakeRemote) Apply(_ context.Context, action models.OfflineAction, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt := 0
	for _, call := range r.calls {
		if call.Key == key {
			attempt++
		}
	}
	r.calls = append(r.calls, remoteCall{RecordID: action.RecordID, Table: action.Table, Key: key})

	applied, err := true, error(nil)
	if r.fail != nil {
		applied, err = r.fail(action, attempt)
	}
	if applied {
		r.applied[key]++
	}
	return err
}

func (r *fakeRemote) Calls() []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remoteCall(nil), r.calls...)
}

// Applied counts mutations the data service actually performed, collapsing
// repeats of one idempotency key.
func (r *fakeRemote) Applied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func networkDown() error {
	return fmt.Errorf("%w: dial tcp: connection refused", apperrors.ErrNetworkUnreachable)
}

type invalidationCall struct {
	Entity   string
	Mutation models.ActionType
	Data     invalidation.MutationData
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []invalidationCall
}

func (r *recordingInvalidator) InvalidateAfterMutation(_ context.Context, entity string, mutation models.ActionType, data invalidation.MutationData) invalidation.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invalidationCall{Entity: entity, Mutation: mutation, Data: data})
	return invalidation.Report{Entity: entity}
}

func (r *recordingInvalidator) Calls() []invalidationCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invalidationCall(nil), r.calls...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []models.FailedAction
}

func (n *recordingNotifier) NotifyExhausted(_ context.Context, failure models.FailedAction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, failure)
}

func (n *recordingNotifier) Notices() []models.FailedAction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.FailedAction(nil), n.notices...)
}
