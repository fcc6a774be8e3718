package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// PriorityEmoji returns the emoji prefix for a notification priority.
func PriorityEmoji(p notifytypes.Priority) string {
	switch p {
	case notifytypes.PriorityCritical:
		return "🔴"
	case notifytypes.PriorityHigh:
		return "🟠"
	case notifytypes.PriorityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}

// NotificationBlocks builds Slack Block Kit blocks for a notification
// event: a header carrying the priority and title, an optional field
// section for device/network/anomaly context, and the message body.
func NotificationBlocks(event notifytypes.NotificationEvent) []goslack.Block {
	priority := notifytypes.PriorityLow
	if event.Priority != nil {
		priority = *event.Priority
	}
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s", PriorityEmoji(priority), event.Title), true, false),
	)

	var fields []*goslack.TextBlockObject
	if event.DeviceIP != nil {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Device:* %s", *event.DeviceIP), false, false))
	}
	if event.NetworkID != nil {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Network:* %s", *event.NetworkID), false, false))
	}
	if event.AnomalyScore != nil {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Anomaly score:* %.2f", *event.AnomalyScore), false, false))
	}

	blocks := []goslack.Block{header}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}
	if event.Message != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncate(event.Message, 500), false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
