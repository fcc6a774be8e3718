package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// Notifier sends notification events to Slack channels and DMs.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// will be a noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// IsEnabled returns true if the notifier has a valid Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// clientEnabled reports whether a client is configured at all, regardless
// of whether a default channel was set — used by delivery paths that
// target an explicit channel or user id rather than n.channel.
func (n *Notifier) clientEnabled() bool {
	return n.client != nil
}

// PostNotificationToChannel posts a notification event's blocks to an
// arbitrary channel id, for the chat-channel delivery adapter.
func (n *Notifier) PostNotificationToChannel(ctx context.Context, channelID string, event notifytypes.NotificationEvent) error {
	if !n.clientEnabled() {
		n.logger.Debug("slack notifier disabled, skipping channel notification", "event_type", event.Type)
		return nil
	}

	blocks := NotificationBlocks(event)
	_, _, err := n.client.PostMessageContext(ctx, channelID,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(event.Title, false),
	)
	if err != nil {
		return fmt.Errorf("posting notification to slack channel: %w", err)
	}
	return nil
}

// PostNotificationDM posts a notification event's blocks directly to a
// user: Slack opens (or reuses) the user's IM when the channel argument
// to chat.postMessage is a user id, for the chat-DM delivery adapter.
func (n *Notifier) PostNotificationDM(ctx context.Context, externalUserID string, event notifytypes.NotificationEvent) error {
	if !n.clientEnabled() {
		n.logger.Debug("slack notifier disabled, skipping DM notification", "event_type", event.Type)
		return nil
	}

	blocks := NotificationBlocks(event)
	_, _, err := n.client.PostMessageContext(ctx, externalUserID,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(event.Title, false),
	)
	if err != nil {
		return fmt.Errorf("posting notification DM to slack: %w", err)
	}
	return nil
}
