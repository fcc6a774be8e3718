package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/pkg/notify"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

type fakeBroadcastStore struct {
	due        []ScheduledBroadcast
	sentIDs    []string
	failedIDs  []string
	rescheduled map[string]time.Time
}

func (f *fakeBroadcastStore) ListDue(ctx context.Context, now time.Time) ([]ScheduledBroadcast, error) {
	return f.due, nil
}

func (f *fakeBroadcastStore) MarkSent(ctx context.Context, id string, usersNotified int, sentAt time.Time) error {
	f.sentIDs = append(f.sentIDs, id)
	return nil
}

func (f *fakeBroadcastStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	f.failedIDs = append(f.failedIDs, id)
	return nil
}

func (f *fakeBroadcastStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	if f.rescheduled == nil {
		f.rescheduled = make(map[string]time.Time)
	}
	f.rescheduled[id] = next
	return nil
}

type fakeNetworkLister struct {
	ids []string
	err error
}

func (f *fakeNetworkLister) ListNetworkIDs(ctx context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeDispatcher struct {
	calls     int
	returnErr error
}

func (f *fakeDispatcher) DispatchToNetwork(ctx context.Context, networkID string, event notifytypes.NotificationEvent, now time.Time) (map[string][]notify.Record, error) {
	f.calls++
	if f.returnErr != nil {
		return nil, f.returnErr
	}
	return map[string][]notify.Record{"u1": {{NotificationID: "n1", UserID: "u1", Channel: "email", Delivered: true}}}, nil
}

type fakeVersionSource struct {
	version string
	err     error
}

func (f *fakeVersionSource) FetchLatest(ctx context.Context) (string, error) {
	return f.version, f.err
}

type fakeVersionStateStore struct {
	data map[string]VersionState
}

func newFakeVersionStateStore() *fakeVersionStateStore {
	return &fakeVersionStateStore{data: make(map[string]VersionState)}
}

func (f *fakeVersionStateStore) Get(key string, v any) error {
	vs, ok := f.data[key]
	if !ok {
		return errors.New("not found")
	}
	*(v.(*VersionState)) = vs
	return nil
}

func (f *fakeVersionStateStore) Put(key string, v any) error {
	f.data[key] = *(v.(*VersionState))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunBroadcastSweepDispatchesDueBroadcastsToAllNetworks(t *testing.T) {
	store := &fakeBroadcastStore{due: []ScheduledBroadcast{
		{ID: "b1", Title: "Maintenance", EventType: notifytypes.EventScheduledMaint, Priority: notifytypes.PriorityMedium, ScheduledAt: time.Now()},
	}}
	lister := &fakeNetworkLister{ids: []string{"net-1", "net-2"}}
	dispatcher := &fakeDispatcher{}

	s := &Scheduler{broadcasts: store, networks: lister, dispatcher: dispatcher, logger: testLogger(), cfg: Config{}}
	s.runBroadcastSweep(context.Background())

	assert.Equal(t, 2, dispatcher.calls)
	assert.Equal(t, []string{"b1"}, store.sentIDs)
	assert.Empty(t, store.failedIDs)
}

func TestRunBroadcastSweepMarksFailedOnDispatchError(t *testing.T) {
	store := &fakeBroadcastStore{due: []ScheduledBroadcast{
		{ID: "b1", EventType: notifytypes.EventScheduledMaint, Priority: notifytypes.PriorityMedium, ScheduledAt: time.Now()},
	}}
	lister := &fakeNetworkLister{ids: []string{"net-1"}}
	dispatcher := &fakeDispatcher{returnErr: errors.New("dispatch boom")}

	s := &Scheduler{broadcasts: store, networks: lister, dispatcher: dispatcher, logger: testLogger()}
	s.runBroadcastSweep(context.Background())

	assert.Empty(t, store.sentIDs)
	assert.Equal(t, []string{"b1"}, store.failedIDs)
}

func TestSendBroadcastRearmsRecurringBroadcastAfterSend(t *testing.T) {
	rule := "0 9 * * MON"
	store := &fakeBroadcastStore{}
	lister := &fakeNetworkLister{ids: []string{"net-1"}}
	dispatcher := &fakeDispatcher{}

	s := &Scheduler{broadcasts: store, networks: lister, dispatcher: dispatcher, logger: testLogger()}
	b := ScheduledBroadcast{ID: "b1", RecurrenceRule: &rule, EventType: notifytypes.EventScheduledMaint, Priority: notifytypes.PriorityMedium, ScheduledAt: time.Now()}

	s.sendBroadcast(context.Background(), b, time.Now())

	require.Contains(t, store.rescheduled, "b1")
	assert.True(t, store.rescheduled["b1"].After(time.Now()))
}

func TestSendBroadcastDoesNotRearmOneShotBroadcast(t *testing.T) {
	store := &fakeBroadcastStore{}
	lister := &fakeNetworkLister{ids: []string{"net-1"}}
	dispatcher := &fakeDispatcher{}

	s := &Scheduler{broadcasts: store, networks: lister, dispatcher: dispatcher, logger: testLogger()}
	b := ScheduledBroadcast{ID: "b1", EventType: notifytypes.EventScheduledMaint, Priority: notifytypes.PriorityMedium, ScheduledAt: time.Now()}

	s.sendBroadcast(context.Background(), b, time.Now())

	assert.Empty(t, store.rescheduled)
}

func TestCompareVersionsDetectsEachBumpType(t *testing.T) {
	tests := []struct {
		name       string
		current    string
		latest     string
		hasUpdate  bool
		updateType string
	}{
		{"major bump", "1.2.3", "2.0.0", true, "major"},
		{"minor bump", "1.2.3", "1.3.0", true, "minor"},
		{"patch bump", "1.2.3", "1.2.4", true, "patch"},
		{"no update", "1.2.3", "1.2.3", false, ""},
		{"older latest", "1.2.3", "1.2.2", false, ""},
		{"v-prefixed", "v1.2.3", "v1.2.4", true, "patch"},
		{"unparseable", "abc", "1.2.4", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hasUpdate, updateType := CompareVersions(tt.current, tt.latest)
			assert.Equal(t, tt.hasUpdate, hasUpdate)
			assert.Equal(t, tt.updateType, updateType)
		})
	}
}

func TestRunVersionCheckNotifiesOnceThenSuppressesDuplicateVersion(t *testing.T) {
	store := &fakeBroadcastStore{}
	lister := &fakeNetworkLister{ids: []string{"net-1"}}
	dispatcher := &fakeDispatcher{}
	versions := &fakeVersionSource{version: "2.0.0"}
	state := newFakeVersionStateStore()

	s := &Scheduler{
		broadcasts: store, networks: lister, dispatcher: dispatcher,
		versions: versions, state: state,
		cfg:    Config{CurrentVersion: "1.0.0", VersionStateKey: "version_check"},
		logger: testLogger(),
	}

	s.runVersionCheck(context.Background())
	assert.Equal(t, 1, dispatcher.calls)

	s.runVersionCheck(context.Background())
	assert.Equal(t, 1, dispatcher.calls, "should not re-notify for the same latest version")
}

func TestRunVersionCheckSkipsWhenNoUpdateAvailable(t *testing.T) {
	store := &fakeBroadcastStore{}
	lister := &fakeNetworkLister{ids: []string{"net-1"}}
	dispatcher := &fakeDispatcher{}
	versions := &fakeVersionSource{version: "1.0.0"}
	state := newFakeVersionStateStore()

	s := &Scheduler{
		broadcasts: store, networks: lister, dispatcher: dispatcher,
		versions: versions, state: state,
		cfg:    Config{CurrentVersion: "1.0.0", VersionStateKey: "version_check"},
		logger: testLogger(),
	}

	s.runVersionCheck(context.Background())
	assert.Equal(t, 0, dispatcher.calls)
}
