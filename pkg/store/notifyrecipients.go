package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cartofabric/fabric/internal/db"
	"github.com/cartofabric/fabric/pkg/notify"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// NotifyRecipients resolves notification recipients and their stored
// preferences for pkg/notify, implementing both NetworkMemberStore and
// GlobalMemberStore over the networks/network_permissions tables and a
// per-user, per-network preferences row.
type NotifyRecipients struct {
	dbtx db.DBTX
}

// NewNotifyRecipients builds a NotifyRecipients store over dbtx.
func NewNotifyRecipients(dbtx db.DBTX) *NotifyRecipients {
	return &NotifyRecipients{dbtx: dbtx}
}

func scanMembers(rows pgx.Rows) ([]notify.Member, error) {
	var out []notify.Member
	for rows.Next() {
		var m notify.Member
		if err := rows.Scan(&m.UserID, &m.Email); err != nil {
			return nil, fmt.Errorf("scanning notification recipient: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Members resolves a network's owner plus its permission-holders as
// notification recipients.
func (s *NotifyRecipients) Members(ctx context.Context, networkID string) ([]notify.Member, error) {
	id, err := uuid.Parse(networkID)
	if err != nil {
		return nil, fmt.Errorf("parsing network id: %w", err)
	}

	rows, err := s.dbtx.Query(ctx, `
		SELECT u.id, u.email FROM users u
		JOIN networks n ON n.owner_id = u.id
		WHERE n.id = $1 AND u.is_active
		UNION
		SELECT u.id, u.email FROM users u
		JOIN network_permissions p ON p.user_id = u.id
		WHERE p.network_id = $1 AND u.is_active`, id)
	if err != nil {
		return nil, fmt.Errorf("listing network members: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// UsersWithGlobalFlag resolves active users whose global preferences row
// has flag set in its "flags" array — used for service-up/service-down
// broadcasts that carry no network id.
func (s *NotifyRecipients) UsersWithGlobalFlag(ctx context.Context, flag string) ([]notify.Member, error) {
	rows, err := s.dbtx.Query(ctx, `
		SELECT u.id, u.email FROM users u
		JOIN user_preferences p ON p.user_id = u.id AND p.network_id IS NULL
		WHERE u.is_active AND p.data -> 'flags' ? $1`, flag)
	if err != nil {
		return nil, fmt.Errorf("listing global notification subscribers: %w", err)
	}
	defer rows.Close()
	return scanMembers(rows)
}

// preferencesBatch runs query (returning user_id, data pairs) and decodes
// each row's JSONB data into a notifytypes.Preferences. Users with no
// stored row are simply absent from the returned map; callers fall back
// to notifytypes' zero-value defaults for them.
func preferencesBatch(ctx context.Context, dbtx db.DBTX, query string, args ...any) (map[string]*notifytypes.Preferences, error) {
	rows, err := dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading notification preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*notifytypes.Preferences)
	for rows.Next() {
		var userID uuid.UUID
		var raw []byte
		if err := rows.Scan(&userID, &raw); err != nil {
			return nil, fmt.Errorf("scanning notification preferences: %w", err)
		}
		var p notifytypes.Preferences
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding preferences for user %s: %w", userID, err)
		}
		p.UserID = userID.String()
		out[userID.String()] = &p
	}
	return out, rows.Err()
}

// PreferencesBatch loads the network-scoped preferences row for each of
// userIDs within networkID.
func (s *NotifyRecipients) PreferencesBatch(ctx context.Context, networkID string, userIDs []string) (map[string]*notifytypes.Preferences, error) {
	return preferencesBatch(ctx, s.dbtx, `
		SELECT user_id, data FROM user_preferences
		WHERE network_id = $1 AND user_id = ANY($2)`, networkID, userIDs)
}

// GlobalPreferencesBatch loads each of userIDs' global (network_id IS
// NULL) preferences row.
func (s *NotifyRecipients) GlobalPreferencesBatch(ctx context.Context, userIDs []string) (map[string]*notifytypes.Preferences, error) {
	return preferencesBatch(ctx, s.dbtx, `
		SELECT user_id, data FROM user_preferences
		WHERE network_id IS NULL AND user_id = ANY($1)`, userIDs)
}
