// Package reconcile classifies the most recent round/draw for a client that
// is (re)connecting or regaining focus, so the client replays the correct UI
// state instead of a stale or restarted one.
package reconcile

import (
	"time"

	"github.com/chitpool/backend/internal/countdown"
)

// Outcome is the closed set of late-joiner classifications. Every consumer
// must handle all four.
type Outcome string

const (
	// OutcomeIgnore: the record is stale; do not resurrect old UI.
	OutcomeIgnore Outcome = "IGNORE"
	// OutcomeResume: the countdown is still running; resume it with the
	// reconciled remaining time, never a fresh full-duration countdown.
	OutcomeResume Outcome = "RESUME"
	// OutcomeReveal: too little time remains to animate; skip the countdown
	// and go straight to the reveal path.
	OutcomeReveal Outcome = "REVEAL"
	// OutcomeShowResult: the record is settled (or finished moments ago);
	// render the winner immediately instead of replaying the countdown.
	OutcomeShowResult Outcome = "SHOW_RESULT"
)

// Config holds the empirical windows. They are tunable configuration, not
// invariants.
type Config struct {
	// StaleAfter bounds how long after settlement (or creation, for records
	// that never settled) a record is still worth rendering at all.
	StaleAfter time.Duration
	// SkipThreshold is the remaining time below which the countdown
	// animation is skipped to avoid an animate-then-finish flash.
	SkipThreshold time.Duration
	// RecentTolerance is how far past the deadline an unsettled record is
	// still treated as "just finished, result in flight" rather than stale.
	RecentTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:      2 * time.Minute,
		SkipThreshold:   1500 * time.Millisecond,
		RecentTolerance: 5 * time.Second,
	}
}

// Classifier applies the late-joiner rules on a reconciled clock.
type Classifier struct {
	rec *countdown.Reconciler
	cfg Config
}

func NewClassifier(rec *countdown.Reconciler, cfg Config) *Classifier {
	return &Classifier{rec: rec, cfg: cfg}
}

// Record is the slice of a round/draw the classifier needs.
type Record struct {
	CreatedAt time.Time
	Start     time.Time
	Duration  time.Duration
	// Settled is the authoritative revealed/completed flag.
	Settled bool
	// SettledAt is when the record settled, if it did.
	SettledAt *time.Time
}

// Classify decides what a (re)connecting client should do with the most
// recent round/draw of its group.
func (c *Classifier) Classify(rec Record) Outcome {
	now := c.rec.Clock().Now()

	if rec.Settled {
		// A result revealed moments ago is shown; one from long ago is not
		// resurrected.
		settledAt := rec.Start.Add(rec.Duration)
		if rec.SettledAt != nil {
			settledAt = *rec.SettledAt
		}
		if now.Sub(settledAt) <= c.cfg.StaleAfter {
			return OutcomeShowResult
		}
		return OutcomeIgnore
	}

	if remaining := c.rec.Remaining(rec.Start, rec.Duration); remaining > 0 {
		if remaining < c.cfg.SkipThreshold {
			return OutcomeReveal
		}
		return OutcomeResume
	}

	// Deadline passed without settlement. A very recent overrun means
	// finalization is in flight and the result can be shown as soon as it
	// lands; anything older is stale.
	if c.rec.Overrun(rec.Start, rec.Duration) <= c.cfg.RecentTolerance {
		return OutcomeShowResult
	}
	return OutcomeIgnore
}
