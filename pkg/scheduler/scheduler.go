package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/cartofabric/fabric/internal/state"
	"github.com/cartofabric/fabric/pkg/notify"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

const (
	sweepInterval             = 30 * time.Second
	defaultVersionCheckPeriod = time.Hour
)

// NotificationDispatcher is the subset of notify.Dispatcher the scheduler
// drives. It's expressed as an interface so the sweep and version-check
// jobs are testable without a live Slack/email stack.
type NotificationDispatcher interface {
	DispatchToNetwork(ctx context.Context, networkID string, event notifytypes.NotificationEvent, now time.Time) (map[string][]notify.Record, error)
}

// NetworkLister resolves every network a broadcast should reach.
type NetworkLister interface {
	ListNetworkIDs(ctx context.Context) ([]string, error)
}

// VersionSource fetches the latest published version string (e.g. a
// plain-text VERSION file from a release channel).
type VersionSource interface {
	FetchLatest(ctx context.Context) (string, error)
}

// VersionState is the small persisted document tracking what version was
// last announced, so a restart doesn't re-notify for the same release.
type VersionState struct {
	LastNotifiedVersion string    `json:"last_notified_version"`
	LastCheckTime       time.Time `json:"last_check_time"`
}

// VersionStateStore persists VersionState across restarts.
type VersionStateStore interface {
	Get(key string, v any) error
	Put(key string, v any) error
}

// Config configures the Scheduler's timing and current-version baseline.
type Config struct {
	CurrentVersion     string
	VersionCheckPeriod time.Duration // defaults to defaultVersionCheckPeriod if zero
	VersionStateKey    string        // defaults to "version_check" if empty
	ChangelogURL       string
}

// Scheduler wraps gocron with two jobs: a 30s broadcast sweep and a
// (default hourly) version-check tick.
type Scheduler struct {
	cron       gocron.Scheduler
	broadcasts BroadcastStore
	networks   NetworkLister
	dispatcher NotificationDispatcher
	versions   VersionSource
	state      VersionStateStore
	cfg        Config
	logger     *slog.Logger
}

// New builds a Scheduler. state may be nil, in which case version-check
// de-duplication is best-effort in-memory only (the state is lost across
// restarts, which is acceptable for a dev/test wiring but not production).
func New(broadcasts BroadcastStore, networks NetworkLister, dispatcher NotificationDispatcher, versions VersionSource, state VersionStateStore, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: creating gocron scheduler: %w", err)
	}
	if cfg.VersionCheckPeriod <= 0 {
		cfg.VersionCheckPeriod = defaultVersionCheckPeriod
	}
	if cfg.VersionStateKey == "" {
		cfg.VersionStateKey = "version_check"
	}
	return &Scheduler{
		cron:       s,
		broadcasts: broadcasts,
		networks:   networks,
		dispatcher: dispatcher,
		versions:   versions,
		state:      state,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start registers the two jobs and starts the underlying gocron scheduler.
// Call Stop to release the loop promptly.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { s.runBroadcastSweep(ctx) }),
		gocron.WithTags("broadcast-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: scheduling broadcast sweep: %w", err)
	}

	if s.versions != nil {
		_, err = s.cron.NewJob(
			gocron.DurationJob(s.cfg.VersionCheckPeriod),
			gocron.NewTask(func() { s.runVersionCheck(ctx) }),
			gocron.WithTags("version-check"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduler: scheduling version check: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "sweep_interval", sweepInterval, "version_check_period", s.cfg.VersionCheckPeriod)
	return nil
}

// Stop shuts gocron down, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// runBroadcastSweep fires every PENDING broadcast due at now, dispatching
// to every network and marking the result.
func (s *Scheduler) runBroadcastSweep(ctx context.Context) {
	now := time.Now()
	due, err := s.broadcasts.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: listing due broadcasts", "error", err)
		return
	}

	for _, b := range due {
		s.sendBroadcast(ctx, b, now)
	}
}

func (s *Scheduler) sendBroadcast(ctx context.Context, b ScheduledBroadcast, now time.Time) {
	networkIDs, err := s.networks.ListNetworkIDs(ctx)
	if err != nil {
		s.markFailed(ctx, b, now, fmt.Errorf("listing networks: %w", err))
		return
	}

	event := b.Event()
	usersNotified := 0
	for _, networkID := range networkIDs {
		results, err := s.dispatcher.DispatchToNetwork(ctx, networkID, event, now)
		if err != nil {
			s.markFailed(ctx, b, now, fmt.Errorf("dispatching to network %s: %w", networkID, err))
			return
		}
		usersNotified += len(results)
	}

	if err := s.broadcasts.MarkSent(ctx, b.ID, usersNotified, now); err != nil {
		s.logger.Error("scheduler: marking broadcast sent", "broadcast_id", b.ID, "error", err)
		return
	}
	s.logger.Info("scheduled broadcast sent", "broadcast_id", b.ID, "users_notified", usersNotified)

	s.rearmIfRecurring(ctx, b, now)
}

func (s *Scheduler) markFailed(ctx context.Context, b ScheduledBroadcast, now time.Time, cause error) {
	s.logger.Error("scheduled broadcast failed", "broadcast_id", b.ID, "error", cause)
	if err := s.broadcasts.MarkFailed(ctx, b.ID, cause.Error()); err != nil {
		s.logger.Error("scheduler: marking broadcast failed", "broadcast_id", b.ID, "error", err)
	}
}

// rearmIfRecurring computes the next occurrence from a broadcast's cron
// recurrence rule and reschedules it instead of leaving it terminal, so a
// maintenance-window broadcast can repeat on its own schedule.
func (s *Scheduler) rearmIfRecurring(ctx context.Context, b ScheduledBroadcast, now time.Time) {
	if b.RecurrenceRule == nil || *b.RecurrenceRule == "" {
		return
	}
	schedule, err := cron.ParseStandard(*b.RecurrenceRule)
	if err != nil {
		s.logger.Warn("scheduler: invalid recurrence rule, not re-arming", "broadcast_id", b.ID, "rule", *b.RecurrenceRule, "error", err)
		return
	}
	next := schedule.Next(now)
	if err := s.broadcasts.Reschedule(ctx, b.ID, next); err != nil {
		s.logger.Error("scheduler: rescheduling recurring broadcast", "broadcast_id", b.ID, "error", err)
		return
	}
	s.logger.Info("recurring broadcast re-armed", "broadcast_id", b.ID, "next", next)
}

// runVersionCheck fetches the latest published version and, if it's newer
// than both the running version and the last-notified version, emits a
// SYSTEM_STATUS event to every network.
func (s *Scheduler) runVersionCheck(ctx context.Context) {
	latest, err := s.versions.FetchLatest(ctx)
	if err != nil {
		s.logger.Warn("scheduler: fetching latest version", "error", err)
		return
	}

	var vs VersionState
	if s.state != nil {
		if err := s.state.Get(s.cfg.VersionStateKey, &vs); err != nil && !isNotFound(err) {
			s.logger.Warn("scheduler: loading version state", "error", err)
		}
	}

	hasUpdate, updateType := CompareVersions(s.cfg.CurrentVersion, latest)
	vs.LastCheckTime = time.Now()
	if !hasUpdate {
		s.saveVersionState(vs)
		return
	}
	if vs.LastNotifiedVersion == latest {
		s.saveVersionState(vs)
		return
	}

	event := versionUpdateEvent(updateType, s.cfg.CurrentVersion, latest, s.cfg.ChangelogURL)

	networkIDs, err := s.networks.ListNetworkIDs(ctx)
	if err != nil {
		s.logger.Error("scheduler: listing networks for version update", "error", err)
		return
	}
	notified := 0
	for _, networkID := range networkIDs {
		results, err := s.dispatcher.DispatchToNetwork(ctx, networkID, event, time.Now())
		if err != nil {
			s.logger.Error("scheduler: dispatching version update", "network_id", networkID, "error", err)
			continue
		}
		notified += len(results)
	}

	if notified > 0 {
		vs.LastNotifiedVersion = latest
		s.logger.Info("version update notification sent", "latest_version", latest, "update_type", updateType, "networks_notified", notified)
	} else {
		s.logger.Warn("no networks to notify about version update", "latest_version", latest)
	}
	s.saveVersionState(vs)
}

func (s *Scheduler) saveVersionState(vs VersionState) {
	if s.state == nil {
		return
	}
	if err := s.state.Put(s.cfg.VersionStateKey, vs); err != nil {
		s.logger.Warn("scheduler: saving version state", "error", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, state.ErrNotFound)
}
