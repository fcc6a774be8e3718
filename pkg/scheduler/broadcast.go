// Package scheduler implements the Scheduler (C12): a single background
// process that fires due scheduled broadcasts through the Notification
// Dispatcher and drives a periodic upstream-version check.
package scheduler

import (
	"context"
	"time"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// BroadcastStatus tracks a ScheduledBroadcast through its lifecycle.
type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastSent      BroadcastStatus = "sent"
	BroadcastFailed    BroadcastStatus = "failed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// ScheduledBroadcast is a one-shot or recurring notification queued to fire
// at (or after) ScheduledAt. RecurrenceRule, when set, is a standard
// five-field cron expression; on send the scheduler computes the next
// occurrence and re-arms the broadcast instead of leaving it terminal.
type ScheduledBroadcast struct {
	ID             string
	Title          string
	Message        string
	EventType      notifytypes.EventType
	Priority       notifytypes.Priority
	ScheduledAt    time.Time
	CreatedBy      string
	RecurrenceRule *string
	Status         BroadcastStatus
	SentAt         *time.Time
	UsersNotified  int
	ErrorMessage   string
}

// Event builds the synthetic NotificationEvent a due broadcast dispatches,
// reusing the same notification dispatcher as any other event.
func (b ScheduledBroadcast) Event() notifytypes.NotificationEvent {
	priority := b.Priority
	return notifytypes.NotificationEvent{
		EventID:   "scheduled-" + b.ID,
		Timestamp: b.ScheduledAt,
		Type:      b.EventType,
		Priority:  &priority,
		Title:     b.Title,
		Message:   b.Message,
		Details: map[string]any{
			"scheduled_by": b.CreatedBy,
			"scheduled_at": b.ScheduledAt,
			"is_scheduled": true,
		},
	}
}

// BroadcastStore persists ScheduledBroadcast records. Implementations must
// be safe for concurrent use from the sweep goroutine and any management
// API calling Create/Cancel concurrently.
type BroadcastStore interface {
	ListDue(ctx context.Context, now time.Time) ([]ScheduledBroadcast, error)
	MarkSent(ctx context.Context, id string, usersNotified int, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	Reschedule(ctx context.Context, id string, next time.Time) error
}
