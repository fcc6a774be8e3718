// Package anomaly implements the per-network Anomaly Detector (C9): a
// passive learner that trains on health-check samples and flags
// statistical deviations, grounded on the Welford-based baseline model
// in original_source/notification-service/app/services/anomaly_detector.py
// and its per-network wrapper, network_anomaly_detector.py.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartofabric/fabric/internal/telemetry"
	"github.com/cartofabric/fabric/pkg/notifytypes"
)

const (
	minSamplesDefault        = 10
	latencyZScoreThreshold   = 3.0
	packetLossThreshold      = 0.10
	unexpectedOfflineMinAvail = 0.90
	anomalyFlagThreshold     = 0.3
	timeBasedMinSamples      = 30
	stableOfflineMaxAvail    = 0.10
	stableOnlineMinAvail     = 0.90

	modelVersion = "1.0.0"
)

// Sample is one health-check observation for a device.
type Sample struct {
	DeviceIP   string
	DeviceName string
	Success    bool
	LatencyMs  *float64
	PacketLoss *float64
	Time       time.Time
}

// Result is the outcome of scoring a sample against a device's baseline.
type Result struct {
	Flagged  bool
	Score    float64
	Type     string // "unexpected_offline", "latency_spike", "packet_loss_spike", "time_based"
	Factors  []string
}

// Detector is an isolated anomaly model for one network: separate device
// baselines, never shared across networks.
type Detector struct {
	mu             sync.RWMutex
	devices        map[string]*DeviceStats
	minSamples     int
	anomaliesSeen  int
	falsePositives int
}

func newDetector() *Detector {
	return &Detector{
		devices:    make(map[string]*DeviceStats),
		minSamples: minSamplesDefault,
	}
}

// Train updates (creating if absent) the baseline for sample.DeviceIP with
// the new observation.
func (d *Detector) Train(s Sample) *DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trainLocked(s)
}

func (d *Detector) trainLocked(s Sample) *DeviceStats {
	stats, ok := d.devices[s.DeviceIP]
	if !ok {
		stats = newDeviceStats(s.DeviceIP, s.DeviceName)
		d.devices[s.DeviceIP] = stats
	} else if s.DeviceName != "" {
		stats.DeviceName = s.DeviceName
	}

	stats.TotalChecks++
	if s.Success {
		stats.SuccessfulChecks++
		stats.ConsecutiveSuccesses++
		stats.ConsecutiveFailures = 0
	} else {
		stats.FailedChecks++
		stats.ConsecutiveFailures++
		stats.ConsecutiveSuccesses = 0
	}

	if s.LatencyMs != nil && *s.LatencyMs > 0 {
		stats.Latency.update(*s.LatencyMs)
	}
	if s.PacketLoss != nil {
		stats.PacketLoss.update(*s.PacketLoss)
	}

	hour := s.Time.Hour()
	tally, ok := stats.HourlyPatterns[hour]
	if !ok {
		tally = &hourTally{}
		stats.HourlyPatterns[hour] = tally
	}
	tally.total++
	if s.Success {
		tally.success++
	}

	currentState := "offline"
	if s.Success {
		currentState = "online"
	}
	if stats.LastState != "" && stats.LastState != currentState {
		stats.StateTransitions++
	}
	stats.LastState = currentState

	return stats
}

// Detect scores sample against its device's learned baseline. Requires
// n ≥ minSamples; otherwise reports unflagged.
func (d *Detector) Detect(s Sample) Result {
	d.mu.Lock()
	stats, ok := d.devices[s.DeviceIP]
	d.mu.Unlock()
	if !ok {
		return Result{}
	}
	return d.scoreIfTrained(stats, s)
}

// scoreIfTrained enforces the n ≥ minSamples gate before scoring, shared
// by Detect and SynthesizeEvent.
func (d *Detector) scoreIfTrained(stats *DeviceStats, s Sample) Result {
	if stats.TotalChecks < d.minSamples {
		return Result{}
	}
	return d.score(stats, s)
}

func (d *Detector) score(stats *DeviceStats, s Sample) Result {
	var best Result

	consider := func(r Result) {
		if r.Score > best.Score {
			best = r
		}
	}

	if !s.Success {
		avail := stats.availability()
		if avail >= unexpectedOfflineMinAvail {
			score := math.Min(avail, 0.95)
			score = math.Min(score+0.1*float64(stats.ConsecutiveFailures), 0.99)
			factors := []string{fmt.Sprintf("device typically has %.1f%% availability but is now offline", avail*100)}
			if stats.ConsecutiveFailures > 1 {
				factors = append(factors, fmt.Sprintf("offline for %d consecutive checks", stats.ConsecutiveFailures))
			}
			consider(Result{Flagged: true, Score: score, Type: "unexpected_offline", Factors: factors})
		}
	}

	if s.LatencyMs != nil && stats.Latency.count >= d.minSamples {
		if std := stats.Latency.stdDev(); std > 0 {
			z := math.Abs(*s.LatencyMs-stats.Latency.mean) / std
			if z > latencyZScoreThreshold {
				score := math.Min(z/10.0, 0.9)
				consider(Result{
					Flagged: true,
					Score:   score,
					Type:    "latency_spike",
					Factors: []string{fmt.Sprintf("latency %.1fms is %.1f std devs from normal (%.1fms)", *s.LatencyMs, z, stats.Latency.mean)},
				})
			}
		}
	}

	if s.PacketLoss != nil && *s.PacketLoss > packetLossThreshold {
		meanLoss := stats.PacketLoss.mean
		if *s.PacketLoss > 2*meanLoss || *s.PacketLoss > 0.20 {
			score := math.Min(2*(*s.PacketLoss), 0.8)
			consider(Result{
				Flagged: true,
				Score:   score,
				Type:    "packet_loss_spike",
				Factors: []string{fmt.Sprintf("packet loss %.1f%% is higher than normal (%.1f%%)", *s.PacketLoss*100, meanLoss*100)},
			})
		}
	}

	if !s.Success && stats.TotalChecks >= timeBasedMinSamples {
		if hourAvail, ok := stats.hourlyAvailability(s.Time.Hour()); ok && hourAvail > 0.80 {
			score := math.Min(hourAvail, 0.7)
			consider(Result{
				Flagged: true,
				Score:   score,
				Type:    "time_based",
				Factors: []string{fmt.Sprintf("device is %.1f%% available at this hour but is currently offline", hourAvail*100)},
			})
		}
	}

	telemetry.AnomalyScore.Observe(best.Score)
	best.Flagged = best.Score >= anomalyFlagThreshold
	return best
}

func (d *Detector) isStableOffline(stats *DeviceStats) bool {
	return stats.TotalChecks >= d.minSamples && stats.availability() <= stableOfflineMaxAvail
}

func (d *Detector) isStableOnline(stats *DeviceStats) bool {
	return stats.TotalChecks >= d.minSamples && stats.availability() >= stableOnlineMinAvail
}

// SynthesizeEvent trains on s, scores it, and translates the outcome into
// a NotificationEvent. previousState, the prior consecutive-success/
// failure streak, and stable-offline/online are all read from the
// device's own tracked baseline, not supplied by the caller, since state
// is scoped strictly per network. Returns false when no event is
// warranted.
func (d *Detector) SynthesizeEvent(networkID string, s Sample) (notifytypes.NotificationEvent, bool) {
	d.mu.Lock()
	existing, existed := d.devices[s.DeviceIP]
	priorConsecSuccesses, priorConsecFailures := 0, 0
	previousState := ""
	if existed {
		priorConsecSuccesses = existing.ConsecutiveSuccesses
		priorConsecFailures = existing.ConsecutiveFailures
		previousState = existing.LastState
	}
	stats := d.trainLocked(s)
	d.mu.Unlock()

	result := d.scoreIfTrained(stats, s)
	if result.Flagged {
		d.mu.Lock()
		d.anomaliesSeen++
		d.mu.Unlock()
	}

	currentState := "offline"
	if s.Success {
		currentState = "online"
	}

	var (
		shouldNotify bool
		eventType    notifytypes.EventType
		priority     notifytypes.Priority
		title, msg   string
	)

	switch {
	case !s.Success && d.isStableOffline(stats):
		// Learned baseline: this device is usually offline. No event.

	case !s.Success && stats.ConsecutiveFailures == 1 && priorConsecSuccesses >= 3 &&
		previousState == "online" && !d.isStableOnline(stats):
		shouldNotify = true
		eventType = notifytypes.EventDeviceOffline
		priority = notifytypes.PriorityMedium
		title = fmt.Sprintf("Device Offline: %s", deviceLabel(s))
		msg = fmt.Sprintf("The device at %s is no longer responding.", s.DeviceIP)

	case s.Success && stats.ConsecutiveSuccesses == 1 && priorConsecFailures >= 3 &&
		previousState == "offline" && !d.isStableOffline(stats):
		shouldNotify = true
		eventType = notifytypes.EventDeviceOnline
		priority = notifytypes.PriorityLow
		title = fmt.Sprintf("Device Online: %s", deviceLabel(s))
		msg = fmt.Sprintf("The device at %s is now responding.", s.DeviceIP)
	}

	if !s.Success && result.Flagged && result.Type == "unexpected_offline" {
		shouldNotify = true
		eventType = notifytypes.EventDeviceOffline
		priority = notifytypes.PriorityHigh
		title = fmt.Sprintf("Device Offline: %s (Unexpected)", deviceLabel(s))
		msg = fmt.Sprintf("The device at %s has gone offline unexpectedly.", s.DeviceIP)
	} else if eventType == notifytypes.EventDeviceOffline && stats.ConsecutiveFailures >= 3 {
		priority = notifytypes.PriorityHigh
		msg = fmt.Sprintf("%s (%d consecutive failures)", msg, stats.ConsecutiveFailures)
	}

	if s.Success && result.Flagged {
		switch result.Type {
		case "latency_spike":
			shouldNotify = true
			eventType = notifytypes.EventHighLatency
			priority = notifytypes.PriorityMedium
			title = fmt.Sprintf("High Latency: %s", deviceLabel(s))
			msg = fmt.Sprintf("Unusual latency detected on %s: %.1fms (normally %.1fms)", s.DeviceIP, valueOr(s.LatencyMs, 0), stats.Latency.mean)
		case "packet_loss_spike":
			shouldNotify = true
			eventType = notifytypes.EventPacketLoss
			priority = notifytypes.PriorityMedium
			title = fmt.Sprintf("Packet Loss: %s", deviceLabel(s))
			msg = fmt.Sprintf("High packet loss detected on %s: %.1f%%", s.DeviceIP, valueOr(s.PacketLoss, 0)*100)
		}
	}

	if !shouldNotify {
		return notifytypes.NotificationEvent{}, false
	}

	var score *float64
	if result.Flagged {
		v := result.Score
		score = &v
	}
	version := modelVersion
	ip := s.DeviceIP
	name := s.DeviceName
	prev := previousState
	cur := currentState

	event := notifytypes.NotificationEvent{
		EventID:            uuid.NewString(),
		Timestamp:          s.Time,
		Type:               eventType,
		Priority:           &priority,
		NetworkID:          &networkID,
		DeviceIP:           &ip,
		DeviceName:         &name,
		PreviousState:      &prev,
		CurrentState:       &cur,
		Title:              title,
		Message:            msg,
		Details: map[string]any{
			"contributing_factors": result.Factors,
		},
		AnomalyScore:       score,
		ModelVersion:       &version,
		IsPredictedAnomaly: result.Flagged,
	}
	return event, true
}

func deviceLabel(s Sample) string {
	if s.DeviceName != "" {
		return s.DeviceName
	}
	return s.DeviceIP
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// MarkFalsePositive records user feedback on a previously emitted event.
// It never mutates classification synchronously.
func (d *Detector) MarkFalsePositive(_ string) {
	d.mu.Lock()
	d.falsePositives++
	d.mu.Unlock()
}

// Stats returns a read-only snapshot of a device's learned baseline, or
// nil if the device hasn't been trained on yet.
func (d *Detector) Stats(deviceIP string) *DeviceStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.devices[deviceIP]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}
