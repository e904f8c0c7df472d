package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/models"
)

// Clock is the interface the scheduler uses for time operations.
// In production, clockwork.NewRealClock(); in tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// LedgerApp defines what the scheduler needs from the ledger. Close and
// finalize are idempotent, so any number of scheduler instances (or racing
// clients) collapse into one effective transition per record.
type LedgerApp interface {
	FetchNextDeadline(ctx context.Context) (*ledger.NextDeadline, error)
	FetchRoundsDueForClose(ctx context.Context, limit int32) ([]uuid.UUID, error)
	FetchDrawsDueForReveal(ctx context.Context, limit int32) ([]uuid.UUID, error)
	CloseRound(ctx context.Context, id uuid.UUID) (*models.Round, error)
	FinalizeDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error)
}

type workKind string

const (
	workCloseRound   workKind = "close_round"
	workFinalizeDraw workKind = "finalize_draw"
)

type workItem struct {
	kind workKind
	id   uuid.UUID
}

// Scheduler sleeps until the earliest round/draw deadline and fires the
// corresponding idempotent close/finalize. It never trusts a single timer:
// the wake channel lets event delivery (or an idle poll) pull the loop
// forward immediately when a sooner deadline appears or push delivery may
// have silently failed.
type Scheduler struct {
	ledger     LedgerApp
	batchSize  int32
	clock      Clock
	wakeCh     chan struct{}
	instanceID string

	numWorkers int
	workCh     chan workItem

	// Track in-flight work to prevent duplicate processing within this
	// instance; cross-instance dedup comes from ledger idempotency.
	inFlight   map[uuid.UUID]bool
	inFlightMu sync.Mutex
}

func NewScheduler(ledgerApp LedgerApp, batchSize int32) *Scheduler {
	numWorkers := 4
	return &Scheduler{
		ledger:     ledgerApp,
		batchSize:  batchSize,
		clock:      clockwork.NewRealClock(),
		wakeCh:     make(chan struct{}, 1),
		instanceID: uuid.New().String()[:8],

		numWorkers: numWorkers,
		workCh:     make(chan workItem, numWorkers*2),
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// WithClock swaps the clock; used by tests.
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// Wake nudges the scheduler to re-fetch the next deadline immediately. The
// change-feed consumer calls this on every event and on reconnect, so the
// loop never waits out a stale timer after a sooner deadline appeared.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, sleeping until the next deadline and
// dispatching due records to the worker pool.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("instance", s.instanceID).Int("workers", s.numWorkers).Msg("auto-close scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("all auto-close workers shut down")
	}()

	timer := s.clock.NewTimer(0)
	defer timer.Stop()

	const idlePollDuration = 30 * time.Second
	retryCount := 0
	const maxRetries = 3

	for {
		select {
		case <-s.wakeCh:
		default:
		}

		// An abandoned wait (wake preemption, the initial zero timer) can
		// leave a stale fire in the channel; drain it so the next Reset
		// arms a clean wait instead of firing immediately.
		stopAndDrainTimer(timer)

		nd, err := s.ledger.FetchNextDeadline(ctx)
		if err != nil {
			// Transient fetch errors back off and retry; the loop must not
			// die because one tick failed.
			retryCount++
			if retryCount <= maxRetries {
				log.Error().
					Err(err).
					Int("retry", retryCount).
					Str("instance", s.instanceID).
					Msg("error fetching next deadline, retrying")
				timer.Reset(time.Second * time.Duration(retryCount))
				select {
				case <-timer.Chan():
					continue
				case <-ctx.Done():
					return nil
				}
			}
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error fetching next deadline after retries")
			return err
		}
		retryCount = 0

		if nd.Deadline == nil {
			// Nothing pending; idle until poked or the poll interval lapses.
			timer.Reset(idlePollDuration)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during idle")
				return nil
			case <-s.wakeCh:
				continue
			}
		}

		if wait := nd.Deadline.Sub(s.clock.Now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				log.Info().Str("instance", s.instanceID).Msg("shutdown during wait")
				return nil
			case <-s.wakeCh:
				// A sooner deadline may exist now; re-fetch.
				continue
			}
		}

		if err := s.dispatchDue(ctx); err != nil {
			log.Error().Err(err).Str("instance", s.instanceID).Msg("error dispatching due records")
			timer.Reset(time.Second)
			select {
			case <-timer.Chan():
				continue
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

// dispatchDue queues every due round and draw onto the worker pool, skipping
// ids already being processed by this instance.
func (s *Scheduler) dispatchDue(ctx context.Context) error {
	rounds, err := s.ledger.FetchRoundsDueForClose(ctx, s.batchSize)
	if err != nil {
		return err
	}
	draws, err := s.ledger.FetchDrawsDueForReveal(ctx, s.batchSize)
	if err != nil {
		return err
	}

	items := make([]workItem, 0, len(rounds)+len(draws))
	for _, id := range rounds {
		items = append(items, workItem{kind: workCloseRound, id: id})
	}
	for _, id := range draws {
		items = append(items, workItem{kind: workFinalizeDraw, id: id})
	}
	if len(items) == 0 {
		return nil
	}

	log.Info().
		Int("rounds_due", len(rounds)).
		Int("draws_due", len(draws)).
		Str("instance", s.instanceID).
		Msg("dispatching due records")

	for _, item := range items {
		s.inFlightMu.Lock()
		if s.inFlight[item.id] {
			s.inFlightMu.Unlock()
			continue
		}
		s.inFlight[item.id] = true
		s.inFlightMu.Unlock()

		select {
		case <-ctx.Done():
			s.inFlightMu.Lock()
			delete(s.inFlight, item.id)
			s.inFlightMu.Unlock()
			return nil
		case s.workCh <- item:
		}
	}
	return nil
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-s.workCh:
			if !ok {
				return
			}
			if err := s.handle(ctx, item); err != nil {
				// Leave the record for the next tick; never retry in a
				// tight loop.
				log.Error().
					Err(err).
					Str("id", item.id.String()).
					Str("kind", string(item.kind)).
					Int("worker_id", workerID).
					Msg("auto-close attempt failed; next tick will retry")
			}
			s.inFlightMu.Lock()
			delete(s.inFlight, item.id)
			s.inFlightMu.Unlock()
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, item workItem) error {
	switch item.kind {
	case workCloseRound:
		round, err := s.ledger.CloseRound(ctx, item.id)
		if err != nil {
			return err
		}
		if round.WinnerID == nil {
			log.Info().
				Str("round_id", round.ID.String()).
				AnErr("reason", ledger.ErrNoActiveBids).
				Msg("round completed with no active bids")
		} else {
			log.Info().
				Str("round_id", round.ID.String()).
				Str("winner_name", *round.WinnerName).
				Int64("winning_bid", *round.WinningBid).
				Msg("round auto-closed")
		}
		return nil
	case workFinalizeDraw:
		draw, err := s.ledger.FinalizeDraw(ctx, item.id)
		if err != nil {
			return err
		}
		log.Info().
			Str("draw_id", draw.ID.String()).
			Str("winner_name", draw.WinnerName).
			Msg("draw auto-revealed")
		return nil
	}
	return nil
}
