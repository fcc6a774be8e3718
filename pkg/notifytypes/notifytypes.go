// Package notifytypes holds the value types shared across the
// Notification Pipeline (C8–C12): event/priority enumerations,
// NotificationEvent, and per-user preference records. None of these
// types own any I/O; persistence lives in each component's own package.
package notifytypes

import (
	"time"
)

// Priority is the ordered LOW < MEDIUM < HIGH < CRITICAL scale used
// throughout the notification pipeline.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority parses a priority name, defaulting to LOW on no match —
// callers that need strict validation should compare the returned bool.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "LOW":
		return PriorityLow, true
	case "MEDIUM":
		return PriorityMedium, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	default:
		return PriorityLow, false
	}
}

// EventType is the closed notification event-type enumeration.
type EventType string

const (
	EventDeviceOffline       EventType = "DEVICE_OFFLINE"
	EventDeviceOnline        EventType = "DEVICE_ONLINE"
	EventDeviceDegraded      EventType = "DEVICE_DEGRADED"
	EventHighLatency         EventType = "HIGH_LATENCY"
	EventPacketLoss          EventType = "PACKET_LOSS"
	EventAnomalyDetected     EventType = "ANOMALY_DETECTED"
	EventMassOutage          EventType = "MASS_OUTAGE"
	EventMassRecovery        EventType = "MASS_RECOVERY"
	EventDeviceAdded         EventType = "DEVICE_ADDED"
	EventDeviceRemoved       EventType = "DEVICE_REMOVED"
	EventISPIssue            EventType = "ISP_ISSUE"
	EventSecurityAlert       EventType = "SECURITY_ALERT"
	EventScheduledMaint      EventType = "SCHEDULED_MAINTENANCE"
	EventSystemStatus        EventType = "SYSTEM_STATUS"
	EventCartographerUp      EventType = "CARTOGRAPHER_UP"
	EventCartographerDown    EventType = "CARTOGRAPHER_DOWN"
)

// defaultPriorities is the static event-type → priority table (e.g.
// DEVICE_OFFLINE=MEDIUM, ANOMALY_DETECTED=HIGH, CARTOGRAPHER_DOWN=CRITICAL,
// SCHEDULED_MAINTENANCE=MEDIUM).
var defaultPriorities = map[EventType]Priority{
	EventDeviceOffline:    PriorityMedium,
	EventDeviceOnline:     PriorityLow,
	EventDeviceDegraded:   PriorityMedium,
	EventHighLatency:      PriorityMedium,
	EventPacketLoss:       PriorityMedium,
	EventAnomalyDetected:  PriorityHigh,
	EventMassOutage:       PriorityCritical,
	EventMassRecovery:     PriorityMedium,
	EventDeviceAdded:      PriorityLow,
	EventDeviceRemoved:    PriorityLow,
	EventISPIssue:         PriorityHigh,
	EventSecurityAlert:    PriorityCritical,
	EventScheduledMaint:   PriorityMedium,
	EventSystemStatus:     PriorityMedium,
	EventCartographerUp:   PriorityMedium,
	EventCartographerDown: PriorityCritical,
}

// DefaultPriorityFor returns the static default priority for t.
func DefaultPriorityFor(t EventType) Priority {
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return PriorityMedium
}

// AllEventTypes lists the full closed enumeration, used to validate that
// a preference's EnabledTypes is a subset of it.
var AllEventTypes = []EventType{
	EventDeviceOffline, EventDeviceOnline, EventDeviceDegraded, EventHighLatency,
	EventPacketLoss, EventAnomalyDetected, EventMassOutage, EventMassRecovery,
	EventDeviceAdded, EventDeviceRemoved, EventISPIssue, EventSecurityAlert,
	EventScheduledMaint, EventSystemStatus, EventCartographerUp, EventCartographerDown,
}

// NotificationEvent is the value type produced by the anomaly detector and
// mass-outage aggregator and consumed by the dispatch policy and
// notification dispatcher.
type NotificationEvent struct {
	EventID           string
	Timestamp         time.Time
	Type              EventType
	Priority          *Priority
	NetworkID         *string
	DeviceIP          *string
	DeviceName        *string
	DeviceHostname    *string
	PreviousState     *string
	CurrentState      *string
	Title             string
	Message           string
	Details           map[string]any
	AnomalyScore      *float64
	ModelVersion      *string
	IsPredictedAnomaly bool
}

// QuietHours is the per-user quiet-hours window.
type QuietHours struct {
	Enabled  bool
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Timezone string
	Bypass   *Priority
}

// enabledTypesMigrationMarker is the hidden key used to make the
// one-time device-added/removed migration idempotent.
const enabledTypesMigrationMarker = "__device_add_remove_migrated__"

// Preferences is the shared shape of UserNetworkPreferences and
// UserGlobalPreferences — same shape minus network-scoped fields.
// NetworkID is nil for global preferences.
type Preferences struct {
	UserID               string
	NetworkID            *string
	ChannelsEnabled      map[string]bool // e.g. "email", "chat_dm", "chat_channel"
	ExternalChatUserID   *string
	EnabledTypes         []EventType
	TypePriorities       map[EventType]Priority
	MinimumPriority      Priority
	QuietHours           QuietHours
	MaxPerHour           int
}

// ApplyDeviceAddRemoveMigration appends DEVICE_ADDED/DEVICE_REMOVED to
// EnabledTypes exactly once, recording the hidden marker in
// TypePriorities so repeat calls are no-ops.
func (p *Preferences) ApplyDeviceAddRemoveMigration() {
	if p.TypePriorities == nil {
		p.TypePriorities = map[EventType]Priority{}
	}
	if _, migrated := p.TypePriorities[enabledTypesMigrationMarker]; migrated {
		return
	}
	p.EnabledTypes = appendMissing(p.EnabledTypes, EventDeviceAdded, EventDeviceRemoved)
	p.TypePriorities[enabledTypesMigrationMarker] = PriorityLow
}

func appendMissing(types []EventType, add ...EventType) []EventType {
	present := make(map[EventType]bool, len(types))
	for _, t := range types {
		present[t] = true
	}
	out := types
	for _, t := range add {
		if !present[t] {
			out = append(out, t)
		}
	}
	return out
}

// HasEnabledChannel reports whether any channel is turned on.
func (p *Preferences) HasEnabledChannel() bool {
	for _, on := range p.ChannelsEnabled {
		if on {
			return true
		}
	}
	return false
}

// EnabledTypeSet returns EnabledTypes as a lookup set, ignoring the
// internal migration marker key.
func (p *Preferences) EnabledTypeSet() map[EventType]bool {
	out := make(map[EventType]bool, len(p.EnabledTypes))
	for _, t := range p.EnabledTypes {
		out[t] = true
	}
	return out
}
