package flowshm

import (
	"sync/atomic"

	"github.com/flowshm/flowshm/internal/clock"
)

// AllocationLatencyBuckets are the histogram bucket upper bounds, in
// nanoseconds, for Allocate() latency (§7 observability), following the
// teacher's logarithmic I/O latency buckets adapted to the microsecond
// scale an in-memory pool allocation actually runs at.
var AllocationLatencyBuckets = []uint64{
	100,        // 100ns
	1_000,      // 1us
	10_000,     // 10us
	100_000,    // 100us
	1_000_000,  // 1ms
	10_000_000, // 10ms
}

const numLatencyBuckets = 6

// Metrics tracks runtime-wide operational statistics (§4.11 get_stats).
type Metrics struct {
	BuffersAllocated atomic.Uint64
	BuffersFreed     atomic.Uint64
	AllocErrors      atomic.Uint64

	ItemsPushed  atomic.Uint64
	ItemsPopped  atomic.Uint64
	PushBlocked  atomic.Uint64 // count of pushes that had to wait
	PushRejected atomic.Uint64 // count of TryPush calls that saw Full

	WorkCalls  atomic.Uint64
	WorkErrors atomic.Uint64

	TotalAllocLatencyNs atomic.Uint64
	AllocLatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64

	clock clock.Clock
}

// NewMetrics creates a new, running metrics instance using the
// process-wide default Clock.
func NewMetrics() *Metrics {
	return NewMetricsWithClock(clock.Default())
}

// NewMetricsWithClock is NewMetrics with an injectable Clock, so tests can
// substitute a clockz.FakeClock instead of sleeping for real uptime to
// elapse.
func NewMetricsWithClock(c clock.Clock) *Metrics {
	m := &Metrics{clock: c}
	m.StartTime.Store(c.Now().UnixNano())
	return m
}

// RecordAllocate records one Allocate call's outcome and latency.
func (m *Metrics) RecordAllocate(latencyNs uint64, success bool) {
	if success {
		m.BuffersAllocated.Add(1)
	} else {
		m.AllocErrors.Add(1)
		return
	}
	m.TotalAllocLatencyNs.Add(latencyNs)
	for i, bucket := range AllocationLatencyBuckets {
		if latencyNs <= bucket {
			m.AllocLatencyBuckets[i].Add(1)
		}
	}
}

// RecordFree records a buffer reaching refcount zero.
func (m *Metrics) RecordFree() { m.BuffersFreed.Add(1) }

// RecordPush records one push outcome onto a port queue.
func (m *Metrics) RecordPush(blocked, rejected bool) {
	if rejected {
		m.PushRejected.Add(1)
		return
	}
	m.ItemsPushed.Add(1)
	if blocked {
		m.PushBlocked.Add(1)
	}
}

// RecordPop records one successful pop from a port queue.
func (m *Metrics) RecordPop() { m.ItemsPopped.Add(1) }

// RecordWork records one block Work() call's outcome.
func (m *Metrics) RecordWork(errored bool) {
	m.WorkCalls.Add(1)
	if errored {
		m.WorkErrors.Add(1)
	}
}

// Stop marks the runtime as stopped for uptime accounting.
func (m *Metrics) Stop() { m.StopTime.Store(m.clock.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, allocation-free copy of Metrics.
type MetricsSnapshot struct {
	BuffersAllocated uint64
	BuffersFreed     uint64
	AllocErrors      uint64
	LiveBuffers      uint64

	ItemsPushed  uint64
	ItemsPopped  uint64
	PushBlocked  uint64
	PushRejected uint64

	WorkCalls  uint64
	WorkErrors uint64

	AvgAllocLatencyNs uint64
	AllocLatencyHist  [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot returns a consistent-enough point-in-time view of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BuffersAllocated: m.BuffersAllocated.Load(),
		BuffersFreed:     m.BuffersFreed.Load(),
		AllocErrors:      m.AllocErrors.Load(),
		ItemsPushed:      m.ItemsPushed.Load(),
		ItemsPopped:      m.ItemsPopped.Load(),
		PushBlocked:      m.PushBlocked.Load(),
		PushRejected:     m.PushRejected.Load(),
		WorkCalls:        m.WorkCalls.Load(),
		WorkErrors:       m.WorkErrors.Load(),
	}
	if snap.BuffersAllocated > snap.BuffersFreed {
		snap.LiveBuffers = snap.BuffersAllocated - snap.BuffersFreed
	}

	total := m.TotalAllocLatencyNs.Load()
	if snap.BuffersAllocated > 0 {
		snap.AvgAllocLatencyNs = total / snap.BuffersAllocated
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.AllocLatencyHist[i] = m.AllocLatencyBuckets[i].Load()
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(m.clock.Now().UnixNano() - start)
	}
	return snap
}

// Reset zeroes every counter; useful for tests.
func (m *Metrics) Reset() {
	m.BuffersAllocated.Store(0)
	m.BuffersFreed.Store(0)
	m.AllocErrors.Store(0)
	m.ItemsPushed.Store(0)
	m.ItemsPopped.Store(0)
	m.PushBlocked.Store(0)
	m.PushRejected.Store(0)
	m.WorkCalls.Store(0)
	m.WorkErrors.Store(0)
	m.TotalAllocLatencyNs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.AllocLatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(m.clock.Now().UnixNano())
	m.StopTime.Store(0)
}
