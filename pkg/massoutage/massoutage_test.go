package massoutage

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

func testEvent(ip string) notifytypes.NotificationEvent {
	return notifytypes.NotificationEvent{
		Type:    notifytypes.EventDeviceOffline,
		Message: "offline: " + ip,
	}
}

func newManager() *Manager {
	return NewManager(nil, slog.New(slog.DiscardHandler))
}

func TestShouldAggregateBelowThreshold(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now)
	m.RecordOffline("net-1", "10.0.0.2", "dev-2", testEvent("10.0.0.2"), now)

	assert.False(t, m.ShouldAggregate("net-1"))
}

func TestShouldAggregateAtThreshold(t *testing.T) {
	m := newManager()
	now := time.Now()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		m.RecordOffline("net-1", ip, "dev", testEvent(ip), now.Add(time.Duration(i)*time.Second))
	}

	assert.True(t, m.ShouldAggregate("net-1"))
}

func TestRecordOfflineIsIdempotentPerDevice(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now)
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now.Add(time.Minute))

	b := m.bufferFor("net-1")
	assert.Len(t, b.entries, 1)
}

func TestRemoveDeviceDropsFromBuffer(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now)
	m.RemoveDevice("net-1", "10.0.0.1")

	assert.False(t, m.ShouldAggregate("net-1"))
	b := m.bufferFor("net-1")
	assert.Empty(t, b.entries)
}

func TestFlushAndCreateMassOutageClearsBufferAndSortsByTimestamp(t *testing.T) {
	m := newManager()
	base := time.Now()
	m.RecordOffline("net-1", "10.0.0.3", "dev-3", testEvent("10.0.0.3"), base.Add(2*time.Second))
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), base)
	m.RecordOffline("net-1", "10.0.0.2", "dev-2", testEvent("10.0.0.2"), base.Add(time.Second))

	event, ok := m.FlushAndCreateMassOutage("net-1", base.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, notifytypes.EventMassOutage, event.Type)

	devices := event.Details["affected_devices"].([]AffectedDevice)
	require.Len(t, devices, 3)
	assert.Equal(t, "10.0.0.1", devices[0].IP)
	assert.Equal(t, "10.0.0.3", devices[2].IP)
	assert.Equal(t, 3, event.Details["total_affected"])

	assert.False(t, m.ShouldAggregate("net-1"))
}

func TestFlushAndCreateMassOutageReturnsFalseWhenEmpty(t *testing.T) {
	m := newManager()
	_, ok := m.FlushAndCreateMassOutage("net-1", time.Now())
	assert.False(t, ok)
}

func TestGetExpiredEventsRespectsCleanupCadence(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now.Add(-2*time.Minute))

	first := m.GetExpiredEvents("net-1", now)
	assert.Len(t, first, 1)

	m.RecordOffline("net-1", "10.0.0.2", "dev-2", testEvent("10.0.0.2"), now.Add(-2*time.Minute))
	tooSoon := m.GetExpiredEvents("net-1", now.Add(time.Second))
	assert.Nil(t, tooSoon)

	afterCadence := m.GetExpiredEvents("net-1", now.Add(CleanupCadence+time.Second))
	assert.Len(t, afterCadence, 1)
}

func TestGetExpiredEventsKeepsEntriesStillInsideWindow(t *testing.T) {
	m := newManager()
	now := time.Now()
	m.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now)

	expired := m.GetExpiredEvents("net-1", now.Add(10*time.Second))
	assert.Empty(t, expired)
	assert.False(t, m.ShouldAggregate("net-1"))
	b := m.bufferFor("net-1")
	assert.Len(t, b.entries, 1)
}

func TestBoltStoreRoundTripsBufferAcrossManagers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "massoutage.db")
	store, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	logger := slog.New(slog.DiscardHandler)
	m1 := NewManager(store, logger)
	now := time.Now()
	m1.RecordOffline("net-1", "10.0.0.1", "dev-1", testEvent("10.0.0.1"), now)
	m1.RecordOffline("net-1", "10.0.0.2", "dev-2", testEvent("10.0.0.2"), now)

	m2 := NewManager(store, logger)
	assert.False(t, m2.ShouldAggregate("net-1"))
	m2.RecordOffline("net-1", "10.0.0.3", "dev-3", testEvent("10.0.0.3"), now)
	assert.True(t, m2.ShouldAggregate("net-1"))
}
