package glass

import (
	"sync/atomic"
	"time"

	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
)

// LatencyBuckets defines the frame-interval histogram buckets in
// nanoseconds, covering from 1ms (1000fps) to 10s (stalled) with
// logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000_000,      // 1ms
	4_000_000,      // 4ms (~240fps)
	8_333_333,      // ~120fps
	16_666_667,     // ~60fps
	33_333_333,     // ~30fps
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks the operational statistics of a running Client.
type Metrics struct {
	FramesDelivered atomic.Uint64
	FramesDropped   atomic.Uint64
	FrameBytes      atomic.Uint64
	Truncations     atomic.Uint64
	SessionRestarts atomic.Uint64
	CursorUpdates   atomic.Uint64

	// TotalFrameIntervalNs accumulates the time between successive delivered
	// frames, used to derive observed FPS and jitter.
	TotalFrameIntervalNs atomic.Uint64
	FrameIntervalBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveFrame records a delivered frame of the given size and the
// interval since the previous delivered frame.
func (m *Metrics) ObserveFrame(bytes int, intervalNs int64) {
	m.FramesDelivered.Add(1)
	m.FrameBytes.Add(uint64(bytes))
	if intervalNs <= 0 {
		return
	}
	m.TotalFrameIntervalNs.Add(uint64(intervalNs))
	for i, bucket := range LatencyBuckets {
		if uint64(intervalNs) <= bucket {
			m.FrameIntervalBuckets[i].Add(1)
		}
	}
}

// ObserveFrameDropped records a frame skipped as a duplicate of the last
// delivered frame.
func (m *Metrics) ObserveFrameDropped() {
	m.FramesDropped.Add(1)
}

// ObserveCursorUpdate records one decoded POINTER message, whether its
// update reached the display server or was skipped for an unknown shape
// type or a short shape buffer.
func (m *Metrics) ObserveCursorUpdate() {
	m.CursorUpdates.Add(1)
}

// ObserveTruncation records a TRUNCATED frame and the region size the
// frame pipeline recommends for it.
func (m *Metrics) ObserveTruncation(recommendedSize int64) {
	m.Truncations.Add(1)
}

// ObserveSessionRestart records a transport restart: the session is
// re-established after the host restarted.
func (m *Metrics) ObserveSessionRestart() {
	m.SessionRestarts.Add(1)
}

// Stop marks the client as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time copy of Metrics' counters plus derived
// statistics.
type Snapshot struct {
	FramesDelivered uint64
	FramesDropped   uint64
	FrameBytes      uint64
	Truncations     uint64
	SessionRestarts uint64
	CursorUpdates   uint64

	AvgFrameIntervalNs uint64
	FPS                float64
	UptimeNs           uint64

	FrameIntervalHistogram [numLatencyBuckets]uint64
}

// Snapshot returns a consistent point-in-time copy of the metrics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		FramesDelivered: m.FramesDelivered.Load(),
		FramesDropped:   m.FramesDropped.Load(),
		FrameBytes:      m.FrameBytes.Load(),
		Truncations:     m.Truncations.Load(),
		SessionRestarts: m.SessionRestarts.Load(),
		CursorUpdates:   m.CursorUpdates.Load(),
	}

	// N delivered frames span N-1 intervals; the first frame has none.
	if snap.FramesDelivered > 1 {
		snap.AvgFrameIntervalNs = m.TotalFrameIntervalNs.Load() / (snap.FramesDelivered - 1)
		if snap.AvgFrameIntervalNs > 0 {
			snap.FPS = 1e9 / float64(snap.AvgFrameIntervalNs)
		}
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.FrameIntervalHistogram[i] = m.FrameIntervalBuckets[i].Load()
	}

	return snap
}

// Reset clears all counters, useful in tests that run multiple sessions
// against one Metrics instance.
func (m *Metrics) Reset() {
	m.FramesDelivered.Store(0)
	m.FramesDropped.Store(0)
	m.FrameBytes.Store(0)
	m.Truncations.Store(0)
	m.SessionRestarts.Store(0)
	m.CursorUpdates.Store(0)
	m.TotalFrameIntervalNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.FrameIntervalBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver discards every observation; the default when Options.Observer
// is nil.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFrame(int, int64)          {}
func (NoOpObserver) ObserveFrameDropped()             {}
func (NoOpObserver) ObserveCursorUpdate()             {}
func (NoOpObserver) ObserveTruncation(int64)          {}
func (NoOpObserver) ObserveSessionRestart()           {}

// fanoutObserver always updates the Client's own Metrics so State-derived
// queries like "has a frame been delivered yet" work regardless of what
// Observer the caller supplied, and additionally forwards every event to
// that caller-supplied Observer.
type fanoutObserver struct {
	metrics *Metrics
	next    interfaces.Observer
}

func (f *fanoutObserver) ObserveFrame(bytes int, intervalNs int64) {
	f.metrics.ObserveFrame(bytes, intervalNs)
	f.next.ObserveFrame(bytes, intervalNs)
}

func (f *fanoutObserver) ObserveFrameDropped() {
	f.metrics.ObserveFrameDropped()
	f.next.ObserveFrameDropped()
}

func (f *fanoutObserver) ObserveCursorUpdate() {
	f.metrics.ObserveCursorUpdate()
	f.next.ObserveCursorUpdate()
}

func (f *fanoutObserver) ObserveTruncation(recommendedSize int64) {
	f.metrics.ObserveTruncation(recommendedSize)
	f.next.ObserveTruncation(recommendedSize)
}

func (f *fanoutObserver) ObserveSessionRestart() {
	f.metrics.ObserveSessionRestart()
	f.next.ObserveSessionRestart()
}

var (
	_ interfaces.Observer = (*Metrics)(nil)
	_ interfaces.Observer = NoOpObserver{}
	_ interfaces.Observer = (*fanoutObserver)(nil)
)
