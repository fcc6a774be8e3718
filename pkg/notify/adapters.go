package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cartofabric/fabric/pkg/notifytypes"
	slackpkg "github.com/cartofabric/fabric/pkg/slack"
)

// EmailTransport sends a single email. Implementing a concrete mail
// transport (SMTP, SES, etc.) is out of scope; this interface and its
// adapter exist so the dispatch fan-out is fully specified and testable
// against a fake transport.
type EmailTransport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// EmailAdapter delivers notifications over EmailTransport.
type EmailAdapter struct {
	transport EmailTransport
}

// NewEmailAdapter builds an EmailAdapter over transport.
func NewEmailAdapter(transport EmailTransport) *EmailAdapter {
	return &EmailAdapter{transport: transport}
}

func (a *EmailAdapter) Name() string { return "email" }

func (a *EmailAdapter) Deliver(ctx context.Context, member Member, _ *notifytypes.Preferences, event notifytypes.NotificationEvent) error {
	if member.Email == "" {
		return fmt.Errorf("notify: member %s has no email on file", member.UserID)
	}
	if err := a.transport.Send(ctx, member.Email, event.Title, event.Message); err != nil {
		return fmt.Errorf("notify: email delivery: %w", err)
	}
	return nil
}

// ResendTransport sends email through Resend's REST API directly over
// net/http: no Go SDK for Resend appears anywhere in the dependency
// stack, and the API is a single documented JSON POST, so a client
// library would add a dependency without replacing meaningful code.
type ResendTransport struct {
	apiKey string
	from   string
	client *http.Client
}

// NewResendTransport builds a ResendTransport. apiKey and from are the
// RESEND_API_KEY / EMAIL_FROM configuration values.
func NewResendTransport(apiKey, from string) *ResendTransport {
	return &ResendTransport{apiKey: apiKey, from: from, client: &http.Client{Timeout: 15 * time.Second}}
}

type resendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send implements EmailTransport.
func (t *ResendTransport) Send(ctx context.Context, to, subject, body string) error {
	payload, err := json.Marshal(resendEmailRequest{From: t.from, To: []string{to}, Subject: subject, Text: body})
	if err != nil {
		return fmt.Errorf("notify: encoding resend payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.resend.com/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: building resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: calling resend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("notify: resend returned %d: %s", resp.StatusCode, string(errBody))
	}
	return nil
}

// ChatDMAdapter delivers notifications as a direct message to the
// member's linked chat account.
type ChatDMAdapter struct {
	notifier *slackpkg.Notifier
}

// NewChatDMAdapter builds a ChatDMAdapter over notifier.
func NewChatDMAdapter(notifier *slackpkg.Notifier) *ChatDMAdapter {
	return &ChatDMAdapter{notifier: notifier}
}

func (a *ChatDMAdapter) Name() string { return "chat_dm" }

func (a *ChatDMAdapter) Deliver(ctx context.Context, _ Member, prefs *notifytypes.Preferences, event notifytypes.NotificationEvent) error {
	if prefs == nil || prefs.ExternalChatUserID == nil || *prefs.ExternalChatUserID == "" {
		return fmt.Errorf("notify: no external chat user id configured for chat_dm")
	}
	return a.notifier.PostNotificationDM(ctx, *prefs.ExternalChatUserID, event)
}

// ChatChannelAdapter delivers notifications to a fixed Slack channel
// (e.g. a team's shared alerts channel).
type ChatChannelAdapter struct {
	notifier *slackpkg.Notifier
	channel  string
}

// NewChatChannelAdapter builds a ChatChannelAdapter posting to channel.
func NewChatChannelAdapter(notifier *slackpkg.Notifier, channel string) *ChatChannelAdapter {
	return &ChatChannelAdapter{notifier: notifier, channel: channel}
}

func (a *ChatChannelAdapter) Name() string { return "chat_channel" }

func (a *ChatChannelAdapter) Deliver(ctx context.Context, _ Member, _ *notifytypes.Preferences, event notifytypes.NotificationEvent) error {
	return a.notifier.PostNotificationToChannel(ctx, a.channel, event)
}
