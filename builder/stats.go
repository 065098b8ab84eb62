package builder

import (
	"sync"
	"time"
)

// Stats accumulates point counts and elapsed time across a Run,
// supporting the periodic "N points inserted (R/s)" progress line a
// build reports every SleepCount points.
type Stats struct {
	mu sync.Mutex

	start      time.Time
	resetAt    time.Time
	total      uint64
	resetTotal uint64
}

// NewStats starts both the run clock and the rate window now.
func NewStats() *Stats {
	now := time.Now()
	return &Stats{start: now, resetAt: now}
}

// Add records n newly inserted points.
func (s *Stats) Add(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.total += n
	s.mu.Unlock()
}

// Snapshot is a point-in-time read of a Stats' progress.
type Snapshot struct {
	Elapsed time.Duration
	Points  uint64
	Rate    float64
}

// Reset reports the current snapshot and rebases the rate window to
// now, so every progress line reports the rate since the previous
// line rather than the lifetime average.
func (s *Stats) Reset() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Sub(s.resetAt)
	delta := s.total - s.resetTotal

	var rate float64
	if window > 0 {
		rate = float64(delta) / window.Seconds()
	}

	snap := Snapshot{Elapsed: now.Sub(s.start), Points: s.total, Rate: rate}
	s.resetAt = now
	s.resetTotal = s.total
	return snap
}
