package registry

import (
	"math"
	"sync/atomic"
	"time"
)

// latencyAlpha weights the newest sample in the moving average
const latencyAlpha = 0.2

// Stats accumulates rolling endpoint statistics. All methods are safe for
// concurrent use; the fields are updated independently, so a snapshot may
// mix values from in-flight recordings.
type Stats struct {
	requests  atomic.Int64
	successes atomic.Int64
	avgMillis atomic.Uint64 // float64 bits
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Requests        int64
	Successes       int64
	SuccessRate     float64
	AvgResponseTime time.Duration
}

// Record adds one call outcome
func (s *Stats) Record(latency time.Duration, ok bool) {
	n := s.requests.Add(1)
	if ok {
		s.successes.Add(1)
	}

	sample := float64(latency) / float64(time.Millisecond)
	for {
		old := s.avgMillis.Load()
		next := sample
		if n > 1 {
			next = latencyAlpha*sample + (1-latencyAlpha)*math.Float64frombits(old)
		}
		if s.avgMillis.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Snapshot returns the current values
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Requests:        s.requests.Load(),
		Successes:       s.successes.Load(),
		AvgResponseTime: time.Duration(math.Float64frombits(s.avgMillis.Load()) * float64(time.Millisecond)),
	}
	if snap.Requests > 0 {
		snap.SuccessRate = float64(snap.Successes) / float64(snap.Requests)
	}
	return snap
}
