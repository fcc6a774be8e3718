// Package dispatchpolicy implements the dispatch policy engine: a pure
// decision function over a user's notification preferences and a single
// event. It owns no storage beyond the narrow RateLimiter seam, keeping
// its dedup/enrich logic testable without a database.
package dispatchpolicy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cartofabric/fabric/internal/telemetry"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

// Decision is the engine's verdict for one (preferences, event) pair.
type Decision struct {
	Allow             bool
	Reason            string
	EffectivePriority notifytypes.Priority
}

// RateLimiter enforces the sliding one-hour max-notifications-per-hour
// cap. Allow reports whether a new delivery is permitted for userID
// right now, and — if so — records it so the next call within the
// window counts it.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, max int, now time.Time) (bool, error)
}

// Engine evaluates dispatch decisions.
type Engine struct {
	limiter RateLimiter
	logger  *slog.Logger
}

// New builds an Engine. limiter must not be nil.
func New(limiter RateLimiter, logger *slog.Logger) *Engine {
	return &Engine{limiter: limiter, logger: logger}
}

const (
	reasonNoChannels    = "no_channels_enabled"
	reasonTypeDisabled  = "event_type_disabled"
	reasonBelowMinimum  = "below_minimum_priority"
	reasonQuietHours    = "quiet_hours"
	reasonRateLimited   = "rate_limited"
	reasonAllowed       = "allowed"
)

// Evaluate runs the full decision algorithm and reports whether event
// should be delivered to the user holding prefs. now is passed in
// explicitly (rather than read from the system clock) so the quiet-hours
// and rate-limit checks stay deterministic under test.
func (e *Engine) Evaluate(ctx context.Context, prefs *notifytypes.Preferences, event notifytypes.NotificationEvent, now time.Time) (Decision, error) {
	if prefs == nil || !prefs.HasEnabledChannel() {
		return e.deny(reasonNoChannels, notifytypes.PriorityLow), nil
	}

	if !prefs.EnabledTypeSet()[event.Type] {
		return e.deny(reasonTypeDisabled, notifytypes.PriorityLow), nil
	}

	effective := effectivePriority(prefs, event)

	if effective < prefs.MinimumPriority {
		return e.deny(reasonBelowMinimum, effective), nil
	}

	if inQuietHours(prefs.QuietHours, now) {
		bypassed := prefs.QuietHours.Bypass != nil && effective >= *prefs.QuietHours.Bypass
		if !bypassed {
			return e.deny(reasonQuietHours, effective), nil
		}
	}

	if prefs.MaxPerHour > 0 {
		allowed, err := e.limiter.Allow(ctx, prefs.UserID, prefs.MaxPerHour, now)
		if err != nil {
			return Decision{}, fmt.Errorf("dispatchpolicy: rate limit check: %w", err)
		}
		if !allowed {
			return e.deny(reasonRateLimited, effective), nil
		}
	}

	return e.allow(effective), nil
}

func (e *Engine) deny(reason string, priority notifytypes.Priority) Decision {
	telemetry.DispatchDecisions.WithLabelValues("false", reason).Inc()
	return Decision{Allow: false, Reason: reason, EffectivePriority: priority}
}

func (e *Engine) allow(priority notifytypes.Priority) Decision {
	telemetry.DispatchDecisions.WithLabelValues("true", reasonAllowed).Inc()
	return Decision{Allow: true, Reason: reasonAllowed, EffectivePriority: priority}
}

// effectivePriority implements step 3: per-type override, then the
// event's own priority, then the static default table.
func effectivePriority(prefs *notifytypes.Preferences, event notifytypes.NotificationEvent) notifytypes.Priority {
	if prefs.TypePriorities != nil {
		if p, ok := prefs.TypePriorities[event.Type]; ok {
			return p
		}
	}
	if event.Priority != nil {
		return *event.Priority
	}
	return notifytypes.DefaultPriorityFor(event.Type)
}

// inQuietHours evaluates the window in the user's timezone, falling
// back to server local time when the zone name doesn't resolve.
func inQuietHours(qh notifytypes.QuietHours, now time.Time) bool {
	if !qh.Enabled || qh.Start == "" || qh.End == "" {
		return false
	}
	loc := time.Local
	if qh.Timezone != "" {
		if l, err := time.LoadLocation(qh.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	nowMinutes := local.Hour()*60 + local.Minute()

	start, okStart := parseClockMinutes(qh.Start)
	end, okEnd := parseClockMinutes(qh.End)
	if !okStart || !okEnd {
		return false
	}

	if start <= end {
		return nowMinutes >= start && nowMinutes <= end
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return nowMinutes >= start || nowMinutes <= end
}

func parseClockMinutes(hhmm string) (int, bool) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
