package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/models"
)

// RoundCloser is the slice of the ledger a watcher needs.
type RoundCloser interface {
	CloseRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
}

// WatcherConfig holds the per-round watchdog tunables.
type WatcherConfig struct {
	// PollInterval is the fixed re-check cadence. Event-driven updates via
	// Observe are the fast path; polling is the fallback when push delivery
	// silently fails.
	PollInterval time.Duration `yaml:"poll_interval"`
	// EndingSoonThreshold is the remaining time at which the one-time
	// "ending soon" warning fires.
	EndingSoonThreshold time.Duration `yaml:"ending_soon_threshold"`
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval:        30 * time.Second,
		EndingSoonThreshold: 5 * time.Minute,
	}
}

// Watcher watches exactly one active round on behalf of one observer (a
// connected client's session). It recomputes remaining time on every poll
// tick and on every observed round update, fires the ending-soon warning at
// most once, and attempts the idempotent close when the deadline passes.
//
// A watcher is bound to the round identity it was created with and must be
// stopped (ctx cancel) when the observer loses interest or the round leaves
// ACTIVE; it never acts on a round it was not created to watch.
type Watcher struct {
	roundID uuid.UUID
	closer  RoundCloser
	clock   clockwork.Clock
	rec     *countdown.Reconciler
	cfg     WatcherConfig

	// OnEndingSoon fires once per round when remaining time first crosses
	// the threshold. Optional.
	OnEndingSoon func(round *models.Round)
	// OnRoundClosed fires once per watcher when the round is observed
	// completed, with the final round including the winner (or explicit
	// no-winner). Optional.
	OnRoundClosed func(round *models.Round)

	updates chan *models.Round

	mu          sync.Mutex
	round       *models.Round
	warned      bool // ending-soon latch
	closedFired bool
}

func NewWatcher(round *models.Round, closer RoundCloser, clock clockwork.Clock, cfg WatcherConfig) *Watcher {
	return &Watcher{
		roundID: round.ID,
		closer:  closer,
		clock:   clock,
		rec:     countdown.New(clock),
		cfg:     cfg,
		updates: make(chan *models.Round, 8),
		round:   round,
	}
}

// Observe feeds an updated round record into the watcher, triggering an
// immediate re-check instead of waiting for the next poll tick. Records for
// other rounds are ignored.
func (w *Watcher) Observe(round *models.Round) {
	if round == nil || round.ID != w.roundID {
		return
	}
	select {
	case w.updates <- round:
	default:
		// A pending update already queued a re-check; the check reads the
		// freshest record from the channel drain below.
	}
}

// TimeLeft is the pull-based accessor the presentation layer polls to render
// countdown text.
func (w *Watcher) TimeLeft() time.Duration {
	w.mu.Lock()
	round := w.round
	w.mu.Unlock()
	if round.StartTime == nil || round.EndTime == nil {
		return 0
	}
	return w.rec.Remaining(*round.StartTime, round.EndTime.Sub(*round.StartTime))
}

// Expiring reports whether the round is inside the ending-soon window.
func (w *Watcher) Expiring() bool {
	w.mu.Lock()
	round := w.round
	w.mu.Unlock()
	if round.Status != models.RoundStatusActive || round.EndTime == nil {
		return false
	}
	left := w.TimeLeft()
	return left > 0 && left <= w.cfg.EndingSoonThreshold
}

// Run drives the watcher until the round settles or ctx is cancelled. All
// timers stop on return; nothing leaks across round transitions.
func (w *Watcher) Run(ctx context.Context) {
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	// Immediate check on start covers mounting onto an already-expired round.
	if done := w.check(ctx); done {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case round := <-w.updates:
			w.mu.Lock()
			w.round = round
			w.mu.Unlock()
			if done := w.check(ctx); done {
				return
			}
		case <-ticker.Chan():
			if done := w.check(ctx); done {
				return
			}
		}
	}
}

// check recomputes the watched round's state once. Returns true when the
// watcher's job is done and Run should exit.
func (w *Watcher) check(ctx context.Context) bool {
	w.mu.Lock()
	round := w.round
	w.mu.Unlock()

	switch round.Status {
	case models.RoundStatusCompleted:
		w.fireClosed(round)
		return true
	case models.RoundStatusActive:
		// fall through
	default:
		// OPEN rounds have no deadline to watch; CLOSED waits for manual
		// completion elsewhere.
		return round.Status == models.RoundStatusClosed
	}

	if round.EndTime == nil || round.StartTime == nil {
		return false
	}

	left := w.rec.Remaining(*round.StartTime, round.EndTime.Sub(*round.StartTime))

	w.latchWarning(left)
	if left > 0 {
		return false
	}

	closed, err := w.closer.CloseRound(ctx, round.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// Round regressed observation only happens when our record is
			// stale; the next Observe or tick brings the fresh one.
			return false
		}
		// Transient; the next poll tick retries. Never a tight loop.
		log.Error().Err(err).Str("round_id", round.ID.String()).Msg("watcher close attempt failed")
		return false
	}

	w.mu.Lock()
	w.round = closed
	w.mu.Unlock()
	w.fireClosed(closed)
	return true
}

// latchWarning fires the ending-soon warning exactly once per round. Returns
// true if the warning fired on this call.
func (w *Watcher) latchWarning(left time.Duration) bool {
	if left <= 0 || left > w.cfg.EndingSoonThreshold {
		return false
	}
	w.mu.Lock()
	already := w.warned
	w.warned = true
	round := w.round
	w.mu.Unlock()
	if already {
		return false
	}
	log.Info().
		Str("round_id", round.ID.String()).
		Dur("remaining", left).
		Msg("round ending soon")
	if w.OnEndingSoon != nil {
		w.OnEndingSoon(round)
	}
	return true
}

func (w *Watcher) fireClosed(round *models.Round) {
	w.mu.Lock()
	already := w.closedFired
	w.closedFired = true
	w.mu.Unlock()
	if already {
		return
	}
	if w.OnRoundClosed != nil {
		w.OnRoundClosed(round)
	}
}
