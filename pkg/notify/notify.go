// Package notify implements the Notification Dispatcher (C11): resolves
// a network's members, runs each through the Dispatch Policy Engine
// (C8), and fans allowed deliveries out to per-channel adapters.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cartofabric/fabric/pkg/dispatchpolicy"
	"github.com/cartofabric/fabric/pkg/massoutage"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// Member is one recipient candidate: a network's owner or a permission
// holder, or a global-preference subscriber for broadcast events.
type Member struct {
	UserID string
	Email  string
}

// NetworkMemberStore resolves a network's recipients and their
// preferences in two batched queries, avoiding an N+1 query pattern.
type NetworkMemberStore interface {
	Members(ctx context.Context, networkID string) ([]Member, error)
	PreferencesBatch(ctx context.Context, networkID string, userIDs []string) (map[string]*notifytypes.Preferences, error)
}

// GlobalMemberStore resolves subscribers to a global (non-network-scoped)
// broadcast, such as a service-up/service-down event.
type GlobalMemberStore interface {
	UsersWithGlobalFlag(ctx context.Context, flag string) ([]Member, error)
	GlobalPreferencesBatch(ctx context.Context, userIDs []string) (map[string]*notifytypes.Preferences, error)
}

// ChannelAdapter delivers one notification to one member over one
// channel ("email", "chat_dm", "chat_channel").
type ChannelAdapter interface {
	Name() string
	Deliver(ctx context.Context, member Member, prefs *notifytypes.Preferences, event notifytypes.NotificationEvent) error
}

// Record is one channel delivery attempt, returned per user.
type Record struct {
	NotificationID string
	UserID         string
	Channel        string
	Delivered      bool
	Error          string
	DeliveredAt    time.Time
}

// channelDeliveryOrder is the fixed per-user delivery sequence: email,
// then chat DM, then chat channel. dispatchToMembers walks this slice
// rather than ranging Preferences.ChannelsEnabled so a user's deliveries
// (and their Record timestamps) come out in a defined order instead of
// Go's randomized map iteration order.
var channelDeliveryOrder = []string{"email", "chat_dm", "chat_channel"}

// Dispatcher wires C8's policy engine to the member stores and channel
// adapters.
type Dispatcher struct {
	networks NetworkMemberStore
	global   GlobalMemberStore
	policy   *dispatchpolicy.Engine
	channels map[string]ChannelAdapter
	outages  *massoutage.Manager
	logger   *slog.Logger
}

// New builds a Dispatcher. channels is keyed by the preference-channel
// name ("email", "chat_dm", "chat_channel"). outages may be nil if the
// caller never routes offline events through DispatchOfflineEvent.
func New(networks NetworkMemberStore, global GlobalMemberStore, policy *dispatchpolicy.Engine, channels map[string]ChannelAdapter, outages *massoutage.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{networks: networks, global: global, policy: policy, channels: channels, outages: outages, logger: logger}
}

// DispatchOfflineEvent routes a single device's offline event through
// the mass-outage aggregator before dispatching: if the aggregation
// threshold is reached the buffer flushes into one MASS_OUTAGE event
// dispatched once; otherwise only entries that expired without reaching
// threshold are dispatched individually.
func (d *Dispatcher) DispatchOfflineEvent(ctx context.Context, networkID, deviceIP, deviceName string, event notifytypes.NotificationEvent, now time.Time) (map[string][]Record, error) {
	if d.outages == nil {
		return d.DispatchToNetwork(ctx, networkID, event, now)
	}

	d.outages.RecordOffline(networkID, deviceIP, deviceName, event, now)

	if d.outages.ShouldAggregate(networkID) {
		massEvent, ok := d.outages.FlushAndCreateMassOutage(networkID, now)
		if !ok {
			return map[string][]Record{}, nil
		}
		return d.DispatchToNetwork(ctx, networkID, massEvent, now)
	}

	expired := d.outages.GetExpiredEvents(networkID, now)
	if len(expired) == 0 {
		return map[string][]Record{}, nil
	}

	merged := make(map[string][]Record)
	for _, e := range expired {
		results, err := d.DispatchToNetwork(ctx, networkID, e, now)
		if err != nil {
			return nil, err
		}
		for userID, records := range results {
			merged[userID] = append(merged[userID], records...)
		}
	}
	return merged, nil
}

// DispatchToNetwork resolves networkID's members and dispatches event to
// every member the dispatch policy engine allows, fanning out across
// their enabled channels.
func (d *Dispatcher) DispatchToNetwork(ctx context.Context, networkID string, event notifytypes.NotificationEvent, now time.Time) (map[string][]Record, error) {
	members, err := d.networks.Members(ctx, networkID)
	if err != nil {
		return nil, fmt.Errorf("notify: resolve network members: %w", err)
	}
	if len(members) == 0 {
		return map[string][]Record{}, nil
	}

	userIDs := make([]string, len(members))
	for i, m := range members {
		userIDs[i] = m.UserID
	}
	prefsByUser, err := d.networks.PreferencesBatch(ctx, networkID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("notify: batch-fetch preferences: %w", err)
	}

	return d.dispatchToMembers(ctx, members, prefsByUser, event, now), nil
}

// DispatchGlobal resolves subscribers to a global-preference flag and
// dispatches event to them directly, bypassing network-member lookup —
// used for service-up/service-down broadcasts which carry no network id.
func (d *Dispatcher) DispatchGlobal(ctx context.Context, flag string, event notifytypes.NotificationEvent, now time.Time) (map[string][]Record, error) {
	members, err := d.global.UsersWithGlobalFlag(ctx, flag)
	if err != nil {
		return nil, fmt.Errorf("notify: resolve global subscribers: %w", err)
	}
	if len(members) == 0 {
		return map[string][]Record{}, nil
	}

	userIDs := make([]string, len(members))
	for i, m := range members {
		userIDs[i] = m.UserID
	}
	prefsByUser, err := d.global.GlobalPreferencesBatch(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("notify: batch-fetch global preferences: %w", err)
	}

	return d.dispatchToMembers(ctx, members, prefsByUser, event, now), nil
}

func (d *Dispatcher) dispatchToMembers(ctx context.Context, members []Member, prefsByUser map[string]*notifytypes.Preferences, event notifytypes.NotificationEvent, now time.Time) map[string][]Record {
	results := make(map[string][]Record, len(members))
	for _, member := range members {
		prefs := prefsByUser[member.UserID]
		decision, err := d.policy.Evaluate(ctx, prefs, event, now)
		if err != nil {
			d.logger.Error("notify: policy evaluation failed", "user_id", member.UserID, "error", err)
			continue
		}
		if !decision.Allow {
			continue
		}

		notificationID := uuid.NewString()
		var records []Record
		for _, channelName := range channelDeliveryOrder {
			if !prefs.ChannelsEnabled[channelName] {
				continue
			}
			adapter, ok := d.channels[channelName]
			if !ok {
				continue
			}
			record := Record{NotificationID: notificationID, UserID: member.UserID, Channel: channelName}
			if err := adapter.Deliver(ctx, member, prefs, event); err != nil {
				record.Error = err.Error()
				d.logger.Warn("notify: delivery failed", "user_id", member.UserID, "channel", channelName, "error", err)
			} else {
				record.Delivered = true
			}
			record.DeliveredAt = time.Now()
			records = append(records, record)
		}
		if len(records) > 0 {
			results[member.UserID] = records
		}
	}
	return results
}
