package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chitpool/backend/internal/countdown"
	"github.com/chitpool/backend/internal/ledger"
	"github.com/chitpool/backend/internal/members"
	"github.com/chitpool/backend/internal/models"
	"github.com/chitpool/backend/internal/reconcile"
)

// RegisterRoutes mounts the HTTP API and the websocket endpoint.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.manager.HandleWebSocket)

	mux.HandleFunc("POST /api/rounds", s.handleCreateRound)
	mux.HandleFunc("GET /api/rounds/{id}", s.handleGetRound)
	mux.HandleFunc("POST /api/rounds/{id}/start", s.handleStartRound)
	mux.HandleFunc("POST /api/rounds/{id}/bids", s.handlePlaceBid)
	mux.HandleFunc("GET /api/rounds/{id}/bids", s.handleListBids)
	mux.HandleFunc("POST /api/rounds/{id}/close", s.handleCloseRound)
	mux.HandleFunc("POST /api/rounds/{id}/lock", s.handleLockRound)

	mux.HandleFunc("POST /api/draws", s.handleCreateDraw)
	mux.HandleFunc("GET /api/draws/{id}", s.handleGetDraw)
	mux.HandleFunc("POST /api/draws/{id}/finalize", s.handleFinalizeDraw)

	mux.HandleFunc("GET /api/groups/{id}/state", s.handleGroupState)

	mux.HandleFunc("POST /api/groups/{id}/members", s.handleCreateMember)
	mux.HandleFunc("GET /api/groups/{id}/members", s.handleListMembers)
	mux.HandleFunc("PATCH /api/members/{id}", s.handleRenameMember)
	mux.HandleFunc("DELETE /api/members/{id}", s.handleRemoveMember)
}

func (s *Service) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	round, err := s.app.CreateRound(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Service) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	round, err := s.app.GetRound(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Service) handleStartRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	round, err := s.app.StartRound(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Service) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req ledger.PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RoundID = id

	bid, round, err := s.app.PlaceBid(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bid":   bid,
		"round": round,
	})
}

func (s *Service) handleListBids(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	bids, err := s.app.ListActiveBids(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

func (s *Service) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	round, err := s.app.CloseRound(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Service) handleLockRound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	round, err := s.app.CloseRoundManual(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Service) handleCreateDraw(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateDrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	draw, err := s.app.CreateDraw(r.Context(), req)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	// The winner is settled but must not leak before the reveal.
	writeJSON(w, http.StatusCreated, redactDraw(draw, s.rec))
}

func (s *Service) handleGetDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	draw, err := s.app.GetDraw(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDraw(draw, s.rec))
}

func (s *Service) handleFinalizeDraw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	draw, err := s.app.FinalizeDraw(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redactDraw(draw, s.rec))
}

// GroupStateResponse is the late-joiner sync payload. The outcome fields tell
// a (re)connecting client how to render each record: resume the countdown,
// skip straight to the reveal, show the settled result, or ignore it.
type GroupStateResponse struct {
	GroupID      string             `json:"group_id"`
	Round        *RoundState        `json:"round,omitempty"`
	RoundOutcome *reconcile.Outcome `json:"round_outcome,omitempty"`
	Draw         *DrawState         `json:"draw,omitempty"`
	DrawOutcome  *reconcile.Outcome `json:"draw_outcome,omitempty"`
}

// handleGroupState serves the authoritative reconnect snapshot from the
// ledger. The event-fed projection is only a cache; a client that was away
// for longer than the cache's lifetime still gets the correct answer here.
func (s *Service) handleGroupState(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	resp := GroupStateResponse{GroupID: groupID.String()}

	round, err := s.app.GetLatestRoundByGroup(r.Context(), groupID)
	switch {
	case err == nil:
		resp.Round = roundStateFrom(round)
		outcome := s.classifyRound(round)
		resp.RoundOutcome = &outcome
	case errors.Is(err, ledger.ErrNotFound):
		// No rounds yet.
	default:
		writeLedgerError(w, err)
		return
	}

	draw, err := s.app.GetLatestDrawByGroup(r.Context(), groupID)
	switch {
	case err == nil:
		ds := redactDraw(draw, s.rec)
		resp.Draw = ds
		outcome := s.classifyDraw(draw)
		resp.DrawOutcome = &outcome
		if outcome == reconcile.OutcomeIgnore {
			// Stale draws are not worth rendering at all.
			resp.Draw = nil
		}
	case errors.Is(err, ledger.ErrNotFound):
		// No draws yet.
	default:
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req members.CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.GroupID = groupID

	member, err := s.members.CreateMember(r.Context(), req)
	if err != nil {
		writeMemberError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *Service) handleListMembers(w http.ResponseWriter, r *http.Request) {
	groupID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	list, err := s.members.ListMembers(r.Context(), groupID)
	if err != nil {
		writeMemberError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": list})
}

func (s *Service) handleRenameMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req members.RenameMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	member, err := s.members.RenameMember(r.Context(), id, req)
	if err != nil {
		writeMemberError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (s *Service) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.members.RemoveMember(r.Context(), id); err != nil {
		writeMemberError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) classifyRound(round *models.Round) reconcile.Outcome {
	rec := reconcile.Record{
		CreatedAt: round.CreatedAt,
		Settled:   round.Status == models.RoundStatusCompleted,
	}
	if round.StartTime != nil {
		rec.Start = *round.StartTime
	} else {
		rec.Start = round.CreatedAt
	}
	if round.EndTime != nil {
		rec.Duration = round.EndTime.Sub(rec.Start)
	}
	if rec.Settled {
		updated := round.UpdatedAt
		rec.SettledAt = &updated
	}
	return s.classifier.Classify(rec)
}

func (s *Service) classifyDraw(draw *models.Draw) reconcile.Outcome {
	rec := reconcile.Record{
		CreatedAt: draw.CreatedAt,
		Start:     draw.StartTimestamp,
		Duration:  time.Duration(draw.DurationSeconds) * time.Second,
		Settled:   draw.Revealed,
		SettledAt: draw.RevealedAt,
	}
	return s.classifier.Classify(rec)
}

func roundStateFrom(round *models.Round) *RoundState {
	state := &RoundState{
		RoundID:          round.ID.String(),
		RoundNumber:      round.RoundNumber,
		Status:           string(round.Status),
		StartTime:        round.StartTime,
		EndTime:          round.EndTime,
		MinimumBid:       round.MinimumBid,
		PrizeAmount:      round.PrizeAmount,
		CurrentLowestBid: round.CurrentLowestBid,
		TotalBids:        round.TotalBids,
		WinningBid:       round.WinningBid,
		WinnerName:       round.WinnerName,
	}
	if round.WinnerID != nil {
		id := round.WinnerID.String()
		state.WinnerID = &id
	}
	return state
}

// redactDraw maps a ledger draw to its client view. The stored winner is
// hidden until the draw is revealed.
func redactDraw(draw *models.Draw, rec *countdown.Reconciler) *DrawState {
	state := &DrawState{
		DrawID:          draw.ID.String(),
		StartTimestamp:  draw.StartTimestamp,
		DurationSeconds: draw.DurationSeconds,
		Revealed:        draw.Revealed,
		PrizeAmount:     draw.PrizeAmount,
		RevealedAt:      draw.RevealedAt,
	}
	if draw.Revealed {
		id := draw.WinnerID.String()
		name := draw.WinnerName
		state.WinnerID = &id
		state.WinnerName = &name
	} else {
		state.RemainingSeconds = rec.RemainingSeconds(draw.StartTimestamp, draw.DurationSeconds)
	}
	return state
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeMemberError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, members.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrRoundNotActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrBidTooLow):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrNoEligibleMembers):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
