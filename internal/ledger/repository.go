package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chitpool/backend/internal/events"
	"github.com/chitpool/backend/internal/models"
	"github.com/chitpool/backend/internal/outbox"
)

// Repository is the Postgres implementation of the round/draw ledger. Every
// state transition is a conditional update guarded on the current status (or
// revealed flag), so concurrent callers racing the same transition collapse
// into one effective write: the first caller lands it, the rest read back the
// settled row. Outbox events are written in the same transaction as the state
// change they describe.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roundColumns = `
	id, group_id, round_number, status, start_time, end_time,
	minimum_bid, prize_amount, winner_id, winner_name, winning_bid,
	current_lowest_bid, total_bids, created_at, updated_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	var r models.Round
	err := row.Scan(
		&r.ID, &r.GroupID, &r.RoundNumber, &r.Status, &r.StartTime, &r.EndTime,
		&r.MinimumBid, &r.PrizeAmount, &r.WinnerID, &r.WinnerName, &r.WinningBid,
		&r.CurrentLowestBid, &r.TotalBids, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

const drawColumns = `
	id, group_id, start_timestamp, duration_seconds, revealed,
	winner_id, winner_name, prize_amount, created_at, revealed_at`

func scanDraw(row pgx.Row) (*models.Draw, error) {
	var d models.Draw
	err := row.Scan(
		&d.ID, &d.GroupID, &d.StartTimestamp, &d.DurationSeconds, &d.Revealed,
		&d.WinnerID, &d.WinnerName, &d.PrizeAmount, &d.CreatedAt, &d.RevealedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateRound inserts a new round in status OPEN with the next round number
// for the group. The deadline, if given, is fixed at creation and never
// updated afterwards.
func (r *Repository) CreateRound(ctx context.Context, req CreateRoundRequest) (*models.Round, error) {
	round, err := scanRound(r.pool.QueryRow(ctx, `
		INSERT INTO rounds (id, group_id, round_number, status, end_time, minimum_bid, prize_amount)
		SELECT $1, $2, COALESCE(MAX(round_number), 0) + 1, $3, $4, $5, $6
		FROM rounds WHERE group_id = $2
		RETURNING`+roundColumns,
		uuid.New(), req.GroupID, models.RoundStatusOpen, req.Deadline, req.MinimumBid, req.PrizeAmount,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}
	return round, nil
}

// StartRound transitions OPEN -> ACTIVE and stamps the authoritative start
// time. Any other current status is an invalid transition.
func (r *Repository) StartRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	var round *models.Round
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		round, err = scanRound(tx.QueryRow(ctx, `
			UPDATE rounds
			SET status = $2, start_time = now(), updated_at = now()
			WHERE id = $1 AND status = $3
			RETURNING`+roundColumns,
			id, models.RoundStatusActive, models.RoundStatusOpen,
		))
		if errors.Is(err, ErrNotFound) {
			// Either missing or not OPEN; disambiguate for the caller.
			if _, gerr := r.getRoundTx(ctx, tx, id); gerr != nil {
				return gerr
			}
			return ErrInvalidTransition
		}
		if err != nil {
			return err
		}

		payload, err := json.Marshal(events.RoundStartedPayload{
			RoundID:     round.ID.String(),
			GroupID:     round.GroupID.String(),
			RoundNumber: round.RoundNumber,
			StartTime:   *round.StartTime,
			EndTime:     round.EndTime,
			MinimumBid:  round.MinimumBid,
			PrizeAmount: round.PrizeAmount,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal RoundStarted payload: %w", err)
		}
		return outbox.InsertTx(ctx, tx, round.GroupID, round.ID, events.TypeRoundStarted, payload)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start round: %w", err)
	}
	return round, nil
}

// PlaceBid records a bid for a member on an ACTIVE round. A prior active bid
// from the same member is deactivated, never deleted, so at most one active
// bid per member exists and history is preserved. The round's denormalized
// current_lowest_bid/total_bids are refreshed in the same transaction.
func (r *Repository) PlaceBid(ctx context.Context, req PlaceBidRequest) (*models.Bid, *models.Round, error) {
	var (
		bid   models.Bid
		round *models.Round
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		round, err = scanRound(tx.QueryRow(ctx,
			`SELECT`+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, req.RoundID))
		if err != nil {
			return err
		}
		if round.Status != models.RoundStatusActive {
			return ErrRoundNotActive
		}
		if req.Amount < round.MinimumBid {
			return ErrBidTooLow
		}

		var memberName string
		err = tx.QueryRow(ctx,
			`SELECT display_name FROM members WHERE id = $1 AND group_id = $2`,
			req.MemberID, round.GroupID,
		).Scan(&memberName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("member %s: %w", req.MemberID, ErrNotFound)
			}
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE bids SET is_active = false
			WHERE round_id = $1 AND member_id = $2 AND is_active`,
			req.RoundID, req.MemberID,
		); err != nil {
			return fmt.Errorf("failed to deactivate prior bid: %w", err)
		}

		// bid_time comes from the ledger clock, not the client, so ordering
		// is stable even when submissions arrive out of order.
		err = tx.QueryRow(ctx, `
			INSERT INTO bids (id, round_id, member_id, member_name, bid_amount, bid_time, is_active)
			VALUES ($1, $2, $3, $4, $5, now(), true)
			RETURNING id, round_id, member_id, member_name, bid_amount, bid_time, is_active`,
			uuid.New(), req.RoundID, req.MemberID, memberName, req.Amount,
		).Scan(&bid.ID, &bid.RoundID, &bid.MemberID, &bid.MemberName, &bid.BidAmount, &bid.BidTime, &bid.IsActive)
		if err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}

		round, err = scanRound(tx.QueryRow(ctx, `
			UPDATE rounds SET
				current_lowest_bid = (SELECT MIN(bid_amount) FROM bids WHERE round_id = $1 AND is_active),
				total_bids = (SELECT COUNT(*) FROM bids WHERE round_id = $1 AND is_active),
				updated_at = now()
			WHERE id = $1
			RETURNING`+roundColumns, req.RoundID,
		))
		if err != nil {
			return fmt.Errorf("failed to refresh round denormalizations: %w", err)
		}

		payload, err := json.Marshal(events.BidPlacedPayload{
			BidID:            bid.ID.String(),
			RoundID:          bid.RoundID.String(),
			MemberID:         bid.MemberID.String(),
			MemberName:       bid.MemberName,
			BidAmount:        bid.BidAmount,
			BidTime:          bid.BidTime,
			CurrentLowestBid: *round.CurrentLowestBid,
			TotalBids:        round.TotalBids,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal BidPlaced payload: %w", err)
		}
		return outbox.InsertTx(ctx, tx, round.GroupID, round.ID, events.TypeBidPlaced, payload)
	})
	if err != nil {
		if errors.Is(err, ErrRoundNotActive) || errors.Is(err, ErrBidTooLow) || errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to place bid: %w", err)
	}
	return &bid, round, nil
}

// CloseRound settles a round. Idempotent: a round already COMPLETED is
// returned unchanged rather than erroring, so N concurrent auto-close
// attempts collapse into one transition with a single consistent winner.
// From ACTIVE (or the manual intermediate CLOSED) the winner is computed and
// the round lands directly in COMPLETED in the same update, so no observer
// ever sees a closed round without its winner. Zero active bids completes the
// round with a null winner.
func (r *Repository) CloseRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	var round *models.Round
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		round, err = scanRound(tx.QueryRow(ctx,
			`SELECT`+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		switch round.Status {
		case models.RoundStatusCompleted:
			// Already settled; return the existing record.
			return nil
		case models.RoundStatusOpen:
			return ErrInvalidTransition
		case models.RoundStatusActive, models.RoundStatusClosed:
			// fall through to winner computation
		}

		// Same ordering as ResolveWinner: lowest amount, earliest bid time.
		var (
			winnerID   *uuid.UUID
			winnerName *string
			winningBid *int64
		)
		err = tx.QueryRow(ctx, `
			SELECT member_id, member_name, bid_amount
			FROM bids
			WHERE round_id = $1 AND is_active
			ORDER BY bid_amount, bid_time
			LIMIT 1`, id,
		).Scan(&winnerID, &winnerName, &winningBid)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to resolve winner: %w", err)
		}

		closedAt := time.Now().UTC()
		round, err = scanRound(tx.QueryRow(ctx, `
			UPDATE rounds
			SET status = $2, winner_id = $3, winner_name = $4, winning_bid = $5, updated_at = now()
			WHERE id = $1 AND status IN ($6, $7)
			RETURNING`+roundColumns,
			id, models.RoundStatusCompleted, winnerID, winnerName, winningBid,
			models.RoundStatusActive, models.RoundStatusClosed,
		))
		if errors.Is(err, ErrNotFound) {
			// Lost the race despite the row lock; read back the settled row.
			round, err = r.getRoundTx(ctx, tx, id)
			return err
		}
		if err != nil {
			return err
		}

		p := events.RoundClosedPayload{
			RoundID:  round.ID.String(),
			GroupID:  round.GroupID.String(),
			Status:   string(round.Status),
			ClosedAt: closedAt,
		}
		if winnerID != nil {
			s := winnerID.String()
			p.WinnerID = &s
			p.WinnerName = winnerName
			p.WinningBid = winningBid
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal RoundClosed payload: %w", err)
		}
		return outbox.InsertTx(ctx, tx, round.GroupID, round.ID, events.TypeRoundClosed, payload)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to close round: %w", err)
	}
	return round, nil
}

// CloseRoundManual is the admin flow: ACTIVE -> CLOSED without settling a
// winner, for groups that want a human to confirm before completion. A later
// CloseRound folds CLOSED into COMPLETED. Idempotent on CLOSED/COMPLETED.
func (r *Repository) CloseRoundManual(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	var round *models.Round
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		round, err = scanRound(tx.QueryRow(ctx,
			`SELECT`+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		switch round.Status {
		case models.RoundStatusClosed, models.RoundStatusCompleted:
			return nil
		case models.RoundStatusOpen:
			return ErrInvalidTransition
		}
		round, err = scanRound(tx.QueryRow(ctx, `
			UPDATE rounds SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3
			RETURNING`+roundColumns,
			id, models.RoundStatusClosed, models.RoundStatusActive,
		))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to close round manually: %w", err)
	}
	return round, nil
}

// CreateDraw inserts an unrevealed draw. The start timestamp comes from the
// database clock, never from the admin device, and the pre-selected winner is
// stored immediately so the later reveal is purely a visibility event.
func (r *Repository) CreateDraw(ctx context.Context, req CreateDrawRequest, winner models.Member) (*models.Draw, error) {
	var draw *models.Draw
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		draw, err = scanDraw(tx.QueryRow(ctx, `
			INSERT INTO draws (id, group_id, start_timestamp, duration_seconds, revealed, winner_id, winner_name, prize_amount)
			VALUES ($1, $2, now(), $3, false, $4, $5, $6)
			RETURNING`+drawColumns,
			uuid.New(), req.GroupID, req.DurationSeconds, winner.ID, winner.DisplayName, req.PrizeAmount,
		))
		if err != nil {
			return fmt.Errorf("failed to insert draw: %w", err)
		}

		payload, err := json.Marshal(events.DrawCreatedPayload{
			DrawID:          draw.ID.String(),
			GroupID:         draw.GroupID.String(),
			StartTimestamp:  draw.StartTimestamp,
			DurationSeconds: draw.DurationSeconds,
			PrizeAmount:     draw.PrizeAmount,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal DrawCreated payload: %w", err)
		}
		return outbox.InsertTx(ctx, tx, draw.GroupID, draw.ID, events.TypeDrawCreated, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create draw: %w", err)
	}
	return draw, nil
}

// FinalizeDraw flips revealed false -> true exactly once. The guard on
// revealed = false makes the operation idempotent under concurrent
// invocation: only the first caller's update takes effect and emits the
// DrawRevealed event; everyone else reads back the settled row.
func (r *Repository) FinalizeDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	var draw *models.Draw
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		draw, err = scanDraw(tx.QueryRow(ctx, `
			UPDATE draws SET revealed = true, revealed_at = now()
			WHERE id = $1 AND revealed = false
			RETURNING`+drawColumns, id,
		))
		if errors.Is(err, ErrNotFound) {
			// Already revealed (or missing): return the settled record.
			draw, err = scanDraw(tx.QueryRow(ctx,
				`SELECT`+drawColumns+` FROM draws WHERE id = $1`, id))
			return err
		}
		if err != nil {
			return err
		}

		payload, err := json.Marshal(events.DrawRevealedPayload{
			DrawID:      draw.ID.String(),
			GroupID:     draw.GroupID.String(),
			WinnerID:    draw.WinnerID.String(),
			WinnerName:  draw.WinnerName,
			PrizeAmount: draw.PrizeAmount,
			RevealedAt:  *draw.RevealedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal DrawRevealed payload: %w", err)
		}
		return outbox.InsertTx(ctx, tx, draw.GroupID, draw.ID, events.TypeDrawRevealed, payload)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to finalize draw: %w", err)
	}
	return draw, nil
}

func (r *Repository) getRoundTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Round, error) {
	return scanRound(tx.QueryRow(ctx, `SELECT`+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (r *Repository) GetRound(ctx context.Context, id uuid.UUID) (*models.Round, error) {
	return scanRound(r.pool.QueryRow(ctx, `SELECT`+roundColumns+` FROM rounds WHERE id = $1`, id))
}

func (r *Repository) GetLatestRoundByGroup(ctx context.Context, groupID uuid.UUID) (*models.Round, error) {
	return scanRound(r.pool.QueryRow(ctx,
		`SELECT`+roundColumns+` FROM rounds WHERE group_id = $1 ORDER BY round_number DESC LIMIT 1`, groupID))
}

func (r *Repository) GetDraw(ctx context.Context, id uuid.UUID) (*models.Draw, error) {
	return scanDraw(r.pool.QueryRow(ctx, `SELECT`+drawColumns+` FROM draws WHERE id = $1`, id))
}

func (r *Repository) GetLatestDrawByGroup(ctx context.Context, groupID uuid.UUID) (*models.Draw, error) {
	return scanDraw(r.pool.QueryRow(ctx,
		`SELECT`+drawColumns+` FROM draws WHERE group_id = $1 ORDER BY created_at DESC LIMIT 1`, groupID))
}

// ListActiveBids returns a round's active bids ordered the way the winner is
// resolved: amount ascending, then bid time.
func (r *Repository) ListActiveBids(ctx context.Context, roundID uuid.UUID) ([]models.Bid, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, round_id, member_id, member_name, bid_amount, bid_time, is_active
		FROM bids
		WHERE round_id = $1 AND is_active
		ORDER BY bid_amount, bid_time`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.RoundID, &b.MemberID, &b.MemberName, &b.BidAmount, &b.BidTime, &b.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bids: %w", err)
	}
	return bids, nil
}

func (r *Repository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, group_id, display_name, joined_at
		FROM members
		WHERE group_id = $1
		ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.GroupID, &m.DisplayName, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// FetchNextDeadline returns the earliest pending deadline across unsettled
// rounds and unrevealed draws, or a nil deadline when nothing is pending.
// Manually locked rounds (CLOSED) still owe a winner, so they count.
func (r *Repository) FetchNextDeadline(ctx context.Context) (*NextDeadline, error) {
	var deadline *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT MIN(d) FROM (
			SELECT end_time AS d FROM rounds
			WHERE status IN ('ACTIVE', 'CLOSED') AND end_time IS NOT NULL
			UNION ALL
			SELECT start_timestamp + duration_seconds * interval '1 second'
			FROM draws WHERE NOT revealed
		) deadlines`).Scan(&deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch next deadline: %w", err)
	}
	return &NextDeadline{Deadline: deadline}, nil
}

// FetchRoundsDueForClose returns ids of unsettled rounds whose deadline
// passed, including rounds an admin locked ahead of the deadline.
func (r *Repository) FetchRoundsDueForClose(ctx context.Context, limit int32) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM rounds
		WHERE status IN ('ACTIVE', 'CLOSED') AND end_time IS NOT NULL AND end_time <= now()
		ORDER BY end_time
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rounds due for close: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// FetchDrawsDueForReveal returns ids of unrevealed draws whose countdown
// elapsed.
func (r *Repository) FetchDrawsDueForReveal(ctx context.Context, limit int32) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM draws
		WHERE NOT revealed
		  AND start_timestamp + duration_seconds * interval '1 second' <= now()
		ORDER BY start_timestamp
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch draws due for reveal: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ids: %w", err)
	}
	return ids, nil
}
