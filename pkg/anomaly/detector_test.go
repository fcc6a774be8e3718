package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
}

func latency(v float64) *float64 { return &v }

func trainHealthy(t *testing.T, d *Detector, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		d.Train(Sample{DeviceIP: ip, Success: true, LatencyMs: latency(20), Time: baseTime().Add(time.Duration(i) * time.Minute)})
	}
}

func TestDetectReportsUnflaggedBelowMinSamples(t *testing.T) {
	d := newDetector()
	d.Train(Sample{DeviceIP: "10.0.0.1", Success: true, Time: baseTime()})

	result := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime()})
	assert.False(t, result.Flagged)
}

func TestDetectFlagsUnexpectedOffline(t *testing.T) {
	d := newDetector()
	trainHealthy(t, d, "10.0.0.1", 10)

	result := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime()})
	assert.True(t, result.Flagged)
	assert.Equal(t, "unexpected_offline", result.Type)
}

func TestDetectFlagsLatencySpike(t *testing.T) {
	d := newDetector()
	jittered := []float64{18, 19, 20, 21, 22, 19, 20, 21, 18, 22, 19, 20, 21, 18, 22}
	for i, v := range jittered {
		d.Train(Sample{DeviceIP: "10.0.0.1", Success: true, LatencyMs: latency(v), Time: baseTime().Add(time.Duration(i) * time.Minute)})
	}

	result := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: true, LatencyMs: latency(500), Time: baseTime()})
	assert.True(t, result.Flagged)
	assert.Equal(t, "latency_spike", result.Type)
}

func TestDetectFlagsPacketLossSpike(t *testing.T) {
	d := newDetector()
	low := 0.01
	for i := 0; i < 15; i++ {
		d.Train(Sample{DeviceIP: "10.0.0.1", Success: true, PacketLoss: &low, Time: baseTime()})
	}

	spike := 0.5
	result := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: true, PacketLoss: &spike, Time: baseTime()})
	assert.True(t, result.Flagged)
	assert.Equal(t, "packet_loss_spike", result.Type)
}

func TestSynthesizeEventSkipsStableOfflineDevice(t *testing.T) {
	d := newDetector()
	for i := 0; i < 15; i++ {
		d.Train(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime().Add(time.Duration(i) * time.Minute)})
	}

	_, ok := d.SynthesizeEvent("network-1", Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime()})
	assert.False(t, ok)
}

func TestSynthesizeEventFiresGenuineOfflineTransition(t *testing.T) {
	d := newDetector()
	for i := 0; i < 5; i++ {
		d.Train(Sample{DeviceIP: "10.0.0.1", Success: true, Time: baseTime().Add(time.Duration(i) * time.Minute)})
	}

	event, ok := d.SynthesizeEvent("network-1", Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime().Add(6 * time.Minute)})
	require.True(t, ok)
	assert.Equal(t, "DEVICE_OFFLINE", string(event.Type))
	assert.Equal(t, "network-1", *event.NetworkID)
}

func TestSynthesizeEventBumpsPriorityOnAnomalyFlaggedOffline(t *testing.T) {
	d := newDetector()
	trainHealthy(t, d, "10.0.0.1", 10)

	event, ok := d.SynthesizeEvent("network-1", Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime().Add(11 * time.Minute)})
	require.True(t, ok)
	assert.Equal(t, "DEVICE_OFFLINE", string(event.Type), "an anomaly-flagged offline stays DEVICE_OFFLINE, not ANOMALY_DETECTED")
	require.NotNil(t, event.Priority)
	assert.Equal(t, "HIGH", event.Priority.String())
	assert.True(t, event.IsPredictedAnomaly)
}

func TestSynthesizeEventFiresGenuineOnlineTransition(t *testing.T) {
	d := newDetector()
	for i := 0; i < 5; i++ {
		d.Train(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime().Add(time.Duration(i) * time.Minute)})
	}

	event, ok := d.SynthesizeEvent("network-1", Sample{DeviceIP: "10.0.0.1", Success: true, Time: baseTime().Add(6 * time.Minute)})
	require.True(t, ok)
	assert.Equal(t, "DEVICE_ONLINE", string(event.Type))
}

func TestSynthesizeEventNoNotificationWhenNoTransitionOrAnomaly(t *testing.T) {
	d := newDetector()
	trainHealthy(t, d, "10.0.0.1", 10)

	_, ok := d.SynthesizeEvent("network-1", Sample{DeviceIP: "10.0.0.1", Success: true, LatencyMs: latency(20), Time: baseTime()})
	assert.False(t, ok)
}

func TestManagerIsolatesDetectorsPerNetwork(t *testing.T) {
	m := NewManager()
	a := m.DetectorFor("network-a")
	b := m.DetectorFor("network-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.DetectorFor("network-a"))
}

func TestMarkFalsePositiveDoesNotMutateScoring(t *testing.T) {
	d := newDetector()
	trainHealthy(t, d, "10.0.0.1", 10)
	before := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime()})

	d.MarkFalsePositive("some-event-id")

	after := d.Detect(Sample{DeviceIP: "10.0.0.1", Success: false, Time: baseTime()})
	assert.Equal(t, before.Score, after.Score)
}
