package processor

import (
	"time"

	"github.com/zulandar/intakeyard/internal/gate"
	"github.com/zulandar/intakeyard/internal/intake"
)

// staleMonitor watches for a step that awaits a weighbridge reading and
// gets none. It warns once per quiet period; a new sample or a new target
// rearms it. Owned by the actor, so it needs no lock.
type staleMonitor struct {
	after time.Duration

	target gate.Target
	itemID string
	since  time.Time
	warned bool
}

// observe records that a sample arrived.
func (s *staleMonitor) observe(now time.Time) {
	s.since = now
	s.warned = false
}

// check reports how long the current target has gone without a sample,
// and whether that is the first time it crossed the threshold.
func (s *staleMonitor) check(v intake.View, now time.Time) (time.Duration, bool) {
	target, itemID := gate.TargetFor(v)
	if target != s.target || itemID != s.itemID {
		s.target, s.itemID = target, itemID
		s.since = now
		s.warned = false
		return 0, false
	}
	if target == gate.TargetNone || s.after <= 0 || s.warned {
		return 0, false
	}
	elapsed := now.Sub(s.since)
	if elapsed < s.after {
		return 0, false
	}
	s.warned = true
	return elapsed, true
}
