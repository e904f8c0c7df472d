package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/events"
	"github.com/chitpool/backend/internal/models"
)

// RoundState is the projected view of a group's current bidding round.
type RoundState struct {
	RoundID          string     `json:"round_id"`
	RoundNumber      int        `json:"round_number"`
	Status           string     `json:"status"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	MinimumBid       int64      `json:"minimum_bid"`
	PrizeAmount      int64      `json:"prize_amount"`
	CurrentLowestBid *int64     `json:"current_lowest_bid,omitempty"`
	TotalBids        int        `json:"total_bids"`
	WinnerID         *string    `json:"winner_id,omitempty"`
	WinnerName       *string    `json:"winner_name,omitempty"`
	WinningBid       *int64     `json:"winning_bid,omitempty"`
}

// DrawState is the projected view of a group's current lucky draw.
type DrawState struct {
	DrawID           string     `json:"draw_id"`
	StartTimestamp   time.Time  `json:"start_timestamp"`
	DurationSeconds  int        `json:"duration_seconds"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Revealed         bool       `json:"revealed"`
	PrizeAmount      int64      `json:"prize_amount"`
	WinnerID         *string    `json:"winner_id,omitempty"`
	WinnerName       *string    `json:"winner_name,omitempty"`
	RevealedAt       *time.Time `json:"revealed_at,omitempty"`
}

// GroupState is everything a freshly connected client needs to render the
// group screen without replaying the event history.
type GroupState struct {
	GroupID string      `json:"group_id"`
	Round   *RoundState `json:"round,omitempty"`
	Draw    *DrawState  `json:"draw,omitempty"`
}

// StateManager keeps a per-group projection fed by the event consumer.
// It is a cache over the ledger, not the source of truth; late joiners
// that miss it fall back to the ledger-backed state endpoint.
type StateManager struct {
	mu     sync.RWMutex
	groups map[string]*GroupState
	rec    *countdown.Reconciler
}

func NewStateManager(rec *countdown.Reconciler) *StateManager {
	return &StateManager{
		groups: make(map[string]*GroupState),
		rec:    rec,
	}
}

// Get returns a copy of the group's state, recomputing the draw's remaining
// seconds against the shared clock. ok is false when nothing is cached.
func (s *StateManager) Get(groupID string) (GroupState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.groups[groupID]
	if !ok {
		return GroupState{}, false
	}

	out := GroupState{GroupID: state.GroupID}
	if state.Round != nil {
		round := *state.Round
		out.Round = &round
	}
	if state.Draw != nil {
		draw := *state.Draw
		if !draw.Revealed {
			draw.RemainingSeconds = s.rec.RemainingSeconds(draw.StartTimestamp, draw.DurationSeconds)
		}
		out.Draw = &draw
	}
	return out, true
}

// Apply folds an event into the group projection.
func (s *StateManager) Apply(event *GameEvent) error {
	payload, err := ParseEventPayload(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.groups[event.GroupID]
	if state == nil {
		state = &GroupState{GroupID: event.GroupID}
		s.groups[event.GroupID] = state
	}

	switch p := payload.(type) {
	case events.RoundStartedPayload:
		start := p.StartTime
		state.Round = &RoundState{
			RoundID:     p.RoundID,
			RoundNumber: p.RoundNumber,
			Status:      "ACTIVE",
			StartTime:   &start,
			EndTime:     p.EndTime,
			MinimumBid:  p.MinimumBid,
			PrizeAmount: p.PrizeAmount,
		}

	case events.BidPlacedPayload:
		if state.Round == nil || state.Round.RoundID != p.RoundID {
			return fmt.Errorf("bid event for unknown round %s", p.RoundID)
		}
		lowest := p.CurrentLowestBid
		state.Round.CurrentLowestBid = &lowest
		state.Round.TotalBids = p.TotalBids

	case events.RoundClosedPayload:
		if state.Round == nil || state.Round.RoundID != p.RoundID {
			return fmt.Errorf("close event for unknown round %s", p.RoundID)
		}
		if violation := closeViolation(state.Round, p); violation != "" {
			// A contradictory event means the projection can no longer be
			// trusted. Drop it so the next read falls through to the
			// ledger-backed state endpoint.
			delete(s.groups, event.GroupID)
			return fmt.Errorf("close event for round %s violates %s; projection evicted", p.RoundID, violation)
		}
		state.Round.Status = p.Status
		state.Round.WinnerID = p.WinnerID
		state.Round.WinnerName = p.WinnerName
		state.Round.WinningBid = p.WinningBid

	case events.DrawCreatedPayload:
		state.Draw = &DrawState{
			DrawID:          p.DrawID,
			StartTimestamp:  p.StartTimestamp,
			DurationSeconds: p.DurationSeconds,
			PrizeAmount:     p.PrizeAmount,
		}

	case events.DrawRevealedPayload:
		if state.Draw == nil || state.Draw.DrawID != p.DrawID {
			// Reveal for a draw we never saw created. Build the
			// settled view from the reveal payload alone.
			state.Draw = &DrawState{
				DrawID:      p.DrawID,
				PrizeAmount: p.PrizeAmount,
			}
		}
		revealedAt := p.RevealedAt
		state.Draw.Revealed = true
		state.Draw.WinnerID = &p.WinnerID
		state.Draw.WinnerName = &p.WinnerName
		state.Draw.RevealedAt = &revealedAt
		state.Draw.RemainingSeconds = 0

	default:
		return fmt.Errorf("unhandled event type %s", event.Type)
	}
	return nil
}

// closeViolation reports why a close event cannot be folded into the
// projected round, or "" when it is consistent. A winner is only legal on a
// completed round, and a round's status never moves backwards.
func closeViolation(round *RoundState, p events.RoundClosedPayload) string {
	if p.WinnerID != nil && p.Status != string(models.RoundStatusCompleted) {
		return "winner-requires-completion (status " + p.Status + ")"
	}
	if round.Status == string(models.RoundStatusCompleted) && p.Status != string(models.RoundStatusCompleted) {
		return "status-monotonicity (COMPLETED to " + p.Status + ")"
	}
	return ""
}

// Evict drops a group's cached projection.
func (s *StateManager) Evict(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
}
