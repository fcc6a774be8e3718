package slack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

func TestPriorityEmoji(t *testing.T) {
	tests := []struct {
		priority notifytypes.Priority
		want     string
	}{
		{notifytypes.PriorityCritical, "🔴"},
		{notifytypes.PriorityHigh, "🟠"},
		{notifytypes.PriorityMedium, "🟡"},
		{notifytypes.PriorityLow, "🔵"},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityEmoji(tt.priority))
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is a long string", 10, "this is..."},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.input, tt.max))
		})
	}
}

func TestNotificationBlocks(t *testing.T) {
	priority := notifytypes.PriorityHigh
	deviceIP := "10.0.0.5"

	event := notifytypes.NotificationEvent{
		EventID:   "evt-1",
		Timestamp: time.Now(),
		Type:      notifytypes.EventDeviceOffline,
		Priority:  &priority,
		DeviceIP:  &deviceIP,
		Title:     "Device unreachable",
		Message:   "10.0.0.5 stopped responding to pings",
	}

	blocks := NotificationBlocks(event)
	assert.GreaterOrEqual(t, len(blocks), 3, "expected header, field, and message blocks")
}

func TestNotificationBlocks_MinimalEvent(t *testing.T) {
	event := notifytypes.NotificationEvent{
		EventID:   "evt-2",
		Timestamp: time.Now(),
		Type:      notifytypes.EventCartographerUp,
		Title:     "fabric is up",
	}

	blocks := NotificationBlocks(event)
	assert.Len(t, blocks, 1, "no device/network/anomaly fields and no message body should leave just the header")
}
