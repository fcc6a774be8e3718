package anomaly

import "sync"

// Manager hands out one isolated Detector per network id, creating it on
// first use: a singleton manager returns the detector for a given
// network id, creating one on demand.
type Manager struct {
	detectors sync.Map // network id -> *Detector
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// DetectorFor returns the Detector owning networkID, creating it if this
// is the first call for that network.
func (m *Manager) DetectorFor(networkID string) *Detector {
	if v, ok := m.detectors.Load(networkID); ok {
		return v.(*Detector)
	}
	d := newDetector()
	actual, _ := m.detectors.LoadOrStore(networkID, d)
	return actual.(*Detector)
}

// Networks lists the network ids currently tracked.
func (m *Manager) Networks() []string {
	var out []string
	m.detectors.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// Snapshot returns a read-only copy of every tracked network's learned
// device baselines, keyed by network id then device IP. Intended for a
// clean-shutdown persistence step; restoring from it is not implemented
// since detectors re-learn quickly and a stale baseline is safer to
// discard than to replay.
func (m *Manager) Snapshot() map[string]map[string]*DeviceStats {
	out := make(map[string]map[string]*DeviceStats)
	m.detectors.Range(func(key, value any) bool {
		networkID := key.(string)
		detector := value.(*Detector)
		detector.mu.RLock()
		devices := make(map[string]*DeviceStats, len(detector.devices))
		for ip, stats := range detector.devices {
			cp := *stats
			devices[ip] = &cp
		}
		detector.mu.RUnlock()
		out[networkID] = devices
		return true
	})
	return out
}
