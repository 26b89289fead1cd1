package metrics

import (
	"sync"
	"time"
)

// SLATracker accumulates per-dispatch latencies against a deadline. It is
// transport-agnostic: the server feeds it dispatch durations and asks which
// ones breached.
type SLATracker struct {
	mu sync.RWMutex

	deadline time.Duration

	totalDispatches int64
	totalBreaches   int64
	totalLatency    time.Duration
	maxLatency      time.Duration
}

// NewSLATracker returns a tracker for the given deadline. A zero deadline
// disables breach detection; durations are still accumulated.
func NewSLATracker(deadline time.Duration) *SLATracker {
	return &SLATracker{deadline: deadline}
}

// Observe records one dispatch and reports whether it breached the deadline.
func (t *SLATracker) Observe(duration time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalDispatches++
	t.totalLatency += duration
	if duration > t.maxLatency {
		t.maxLatency = duration
	}

	breached := t.deadline > 0 && duration > t.deadline
	if breached {
		t.totalBreaches++
	}
	return breached
}

// Deadline returns the configured deadline.
func (t *SLATracker) Deadline() time.Duration {
	return t.deadline
}

// SLASnapshot is a point-in-time view of the tracker.
type SLASnapshot struct {
	Deadline        time.Duration
	TotalDispatches int64
	TotalBreaches   int64
	AverageLatency  time.Duration
	MaxLatency      time.Duration
}

// Snapshot returns the current counters.
func (t *SLATracker) Snapshot() SLASnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := SLASnapshot{
		Deadline:        t.deadline,
		TotalDispatches: t.totalDispatches,
		TotalBreaches:   t.totalBreaches,
		MaxLatency:      t.maxLatency,
	}
	if t.totalDispatches > 0 {
		snap.AverageLatency = t.totalLatency / time.Duration(t.totalDispatches)
	}
	return snap
}
