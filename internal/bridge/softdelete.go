package bridge

import (
	"math/rand/v2"
	"time"
)

const (
	// sweepInterval is the base period between retrospective deletion
	// sweeps: 23 hours.
	sweepInterval = 82800

	// sweepJitter spreads sweeps over up to one extra hour so that a
	// fleet of devices does not hammer the backend in lock-step.
	sweepJitter = 3600
)

// SoftDeleteWindow records when a folder's last deletion sweep ran. It
// is persisted as per-folder state across sync sessions.
type SoftDeleteWindow struct {
	LastSweepStart int64 `json:"last_sweep_start"`
	LastSweepEnd   int64 `json:"last_sweep_end"`
}

// SweepScheduler decides when a folder is due for a retrospective
// soft-delete sweep.
type SweepScheduler struct {
	jitter func(max int64) int64
}

// NewSweepScheduler creates a scheduler. jitter may be nil, in which
// case a uniform random jitter in [0, max] is used.
func NewSweepScheduler(jitter func(max int64) int64) *SweepScheduler {
	if jitter == nil {
		jitter = func(max int64) int64 { return rand.Int64N(max + 1) }
	}
	return &SweepScheduler{jitter: jitter}
}

// Due reports whether a sweep should run now. The window is due once
// sweepInterval plus a per-call jitter has elapsed since the last sweep
// ended.
func (s *SweepScheduler) Due(w SoftDeleteWindow, now time.Time) bool {
	return w.LastSweepEnd+sweepInterval+s.jitter(sweepJitter) < now.Unix()
}

// Record returns the window rearmed to [start, end].
func (s *SweepScheduler) Record(w SoftDeleteWindow, start, end time.Time) SoftDeleteWindow {
	w.LastSweepStart = start.Unix()
	w.LastSweepEnd = end.Unix()
	return w
}
