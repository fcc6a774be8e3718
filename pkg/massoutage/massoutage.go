// Package massoutage implements the Mass-Outage Aggregator (C10): a
// per-network buffer of pending DEVICE_OFFLINE events that coalesces
// into a single MASS_OUTAGE notification once enough devices fail
// together, instead of paging on every individual device.
package massoutage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

const (
	// Window is how long a pending offline event waits for enough peers
	// before it's individually dispatched as expired.
	Window = 60 * time.Second
	// MinDevices is the aggregation threshold.
	MinDevices = 3
	// CleanupCadence bounds how often GetExpiredEvents actually scans.
	CleanupCadence = 30 * time.Second
)

// pendingEntry is one buffered offline event awaiting aggregation.
type pendingEntry struct {
	DeviceIP      string                       `json:"device_ip"`
	DeviceName    string                       `json:"device_name"`
	Event         notifytypes.NotificationEvent `json:"event"`
	FirstDetected time.Time                    `json:"first_detected"`
}

// AffectedDevice is one entry in a flushed MASS_OUTAGE event's device list.
type AffectedDevice struct {
	IP        string    `json:"ip"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer holds one network's pending offline events.
type Buffer struct {
	mu           sync.Mutex
	entries      map[string]*pendingEntry // device ip -> entry
	lastCleanup  time.Time
}

func newBuffer() *Buffer {
	return &Buffer{entries: make(map[string]*pendingEntry)}
}

// Manager hands out one Buffer per network, optionally snapshotting each
// mutation through Store so a restart doesn't silently drop an
// in-progress aggregation window.
type Manager struct {
	buffers sync.Map // network id -> *Buffer
	store   Store
	logger  *slog.Logger
}

// NewManager builds a Manager. store may be nil to run purely in memory.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

func (m *Manager) bufferFor(networkID string) *Buffer {
	if v, ok := m.buffers.Load(networkID); ok {
		return v.(*Buffer)
	}
	b := newBuffer()
	if m.store != nil {
		if snap, ok, err := m.store.Load(context.Background(), networkID); err != nil {
			m.logger.Warn("massoutage: failed to load snapshot", "network_id", networkID, "error", err)
		} else if ok {
			b.entries = snap
		}
	}
	actual, _ := m.buffers.LoadOrStore(networkID, b)
	return actual.(*Buffer)
}

func (m *Manager) persist(networkID string, b *Buffer) {
	if m.store == nil {
		return
	}
	b.mu.Lock()
	snap := make(map[string]*pendingEntry, len(b.entries))
	for k, v := range b.entries {
		snap[k] = v
	}
	b.mu.Unlock()
	if err := m.store.Save(context.Background(), networkID, snap); err != nil {
		m.logger.Warn("massoutage: failed to persist snapshot", "network_id", networkID, "error", err)
	}
}

// RecordOffline inserts a pending offline event for deviceIP if one isn't
// already buffered.
func (m *Manager) RecordOffline(networkID, deviceIP, deviceName string, event notifytypes.NotificationEvent, now time.Time) {
	b := m.bufferFor(networkID)
	b.mu.Lock()
	if _, exists := b.entries[deviceIP]; !exists {
		b.entries[deviceIP] = &pendingEntry{DeviceIP: deviceIP, DeviceName: deviceName, Event: event, FirstDetected: now}
	}
	b.mu.Unlock()
	m.persist(networkID, b)
}

// RemoveDevice drops a buffered entry, called when the device recovers
// before aggregation or expiry.
func (m *Manager) RemoveDevice(networkID, deviceIP string) {
	b := m.bufferFor(networkID)
	b.mu.Lock()
	delete(b.entries, deviceIP)
	b.mu.Unlock()
	m.persist(networkID, b)
}

// ShouldAggregate reports whether the buffer has reached MinDevices.
func (m *Manager) ShouldAggregate(networkID string) bool {
	b := m.bufferFor(networkID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries) >= MinDevices
}

// FlushAndCreateMassOutage clears the buffer and emits one MASS_OUTAGE
// event summarizing it, or false if the buffer is empty.
func (m *Manager) FlushAndCreateMassOutage(networkID string, now time.Time) (notifytypes.NotificationEvent, bool) {
	b := m.bufferFor(networkID)
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return notifytypes.NotificationEvent{}, false
	}

	affected := make([]AffectedDevice, 0, len(b.entries))
	var firstDetected, lastDetected time.Time
	for _, e := range b.entries {
		affected = append(affected, AffectedDevice{IP: e.DeviceIP, Name: e.DeviceName, Timestamp: e.FirstDetected})
		if firstDetected.IsZero() || e.FirstDetected.Before(firstDetected) {
			firstDetected = e.FirstDetected
		}
		if lastDetected.IsZero() || e.FirstDetected.After(lastDetected) {
			lastDetected = e.FirstDetected
		}
	}
	total := len(affected)
	b.entries = make(map[string]*pendingEntry)
	b.mu.Unlock()
	m.persist(networkID, b)

	sort.Slice(affected, func(i, j int) bool { return affected[i].Timestamp.Before(affected[j].Timestamp) })

	netID := networkID
	priority := notifytypes.PriorityCritical
	event := notifytypes.NotificationEvent{
		EventID:   uuid.NewString(),
		Timestamp: now,
		Type:      notifytypes.EventMassOutage,
		Priority:  &priority,
		NetworkID: &netID,
		Title:     "Mass Outage Detected",
		Message:   "Multiple devices have gone offline together.",
		Details: map[string]any{
			"affected_devices":          affected,
			"total_affected":            total,
			"first_detected":            firstDetected,
			"last_detected":             lastDetected,
			"detection_window_seconds":  lastDetected.Sub(firstDetected).Seconds(),
		},
	}
	return event, true
}

// GetExpiredEvents moves out entries older than Window that never reached
// MinDevices, for individual dispatch. It only actually scans at most
// once per CleanupCadence; intervening calls return nil.
func (m *Manager) GetExpiredEvents(networkID string, now time.Time) []notifytypes.NotificationEvent {
	b := m.bufferFor(networkID)
	b.mu.Lock()
	if !b.lastCleanup.IsZero() && now.Sub(b.lastCleanup) < CleanupCadence {
		b.mu.Unlock()
		return nil
	}
	b.lastCleanup = now

	var expired []notifytypes.NotificationEvent
	for ip, e := range b.entries {
		if now.Sub(e.FirstDetected) >= Window {
			expired = append(expired, e.Event)
			delete(b.entries, ip)
		}
	}
	b.mu.Unlock()
	if len(expired) > 0 {
		m.persist(networkID, b)
	}
	return expired
}
