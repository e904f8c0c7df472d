package countdown

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Reconciler converts an authoritative start timestamp plus a fixed duration
// into remaining time. The local clock only measures elapsed wall time since
// the shared epoch; it never defines the epoch. Two devices that received the
// record at different times therefore agree on the same remaining time, and a
// device that joins mid-round naturally computes the shorter remainder.
type Reconciler struct {
	clock clockwork.Clock
}

// New returns a Reconciler on the given clock. Production callers pass
// clockwork.NewRealClock(); tests pass a fake.
func New(clock clockwork.Clock) *Reconciler {
	return &Reconciler{clock: clock}
}

// Clock exposes the underlying clock for callers that need raw now().
func (r *Reconciler) Clock() clockwork.Clock {
	return r.clock
}

// Remaining returns how much of the countdown is left, floored at zero.
func (r *Reconciler) Remaining(start time.Time, duration time.Duration) time.Duration {
	remaining := duration - r.clock.Since(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds is Remaining for records that carry whole-second
// durations, truncated to whole seconds for display.
func (r *Reconciler) RemainingSeconds(start time.Time, durationSeconds int) int {
	return int(r.Remaining(start, time.Duration(durationSeconds)*time.Second).Seconds())
}

// Overrun reports how far past the deadline now is; zero if the deadline has
// not passed yet.
func (r *Reconciler) Overrun(start time.Time, duration time.Duration) time.Duration {
	over := r.clock.Since(start) - duration
	if over < 0 {
		return 0
	}
	return over
}

// ShouldSkipCountdown reports whether so little time remains that animating a
// countdown would finish almost immediately. Callers render the reveal path
// directly instead of flashing a one-beat animation.
func (r *Reconciler) ShouldSkipCountdown(start time.Time, duration, skipThreshold time.Duration) bool {
	return r.Remaining(start, duration) < skipThreshold
}
