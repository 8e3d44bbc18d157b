package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/events"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/reconnect"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
)

func (m *Machine) participant(matchID, userID string) (*session, error) {
	s := m.session(matchID)
	if s == nil {
		return nil, fmt.Errorf("match %s not live: %w", matchID, models.ErrNotFound)
	}
	s.mu.Lock()
	ok := s.match.HasPlayer(userID)
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrNotParticipant
	}
	return s, nil
}

// Ready marks a participant ready. The match starts when both are.
func (m *Machine) Ready(ctx context.Context, userID, matchID string) (*models.Match, error) {
	s, err := m.participant(matchID, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.match.Status == models.MatchActive {
		out := s.match
		return &out, nil
	}
	if s.match.Status != models.MatchLocked {
		return nil, fmt.Errorf("ready in %s: %w", s.match.Status, models.ErrInvalidTransition)
	}
	s.ready[userID] = true
	if !s.ready[s.match.Players[0]] || !s.ready[s.match.Players[1]] {
		out := s.match
		return &out, nil
	}
	if err := m.start(ctx, s); err != nil {
		return nil, err
	}
	out := s.match
	return &out, nil
}

func (m *Machine) start(ctx context.Context, s *session) error {
	state, err := s.adapter.CreateMatch(s.match.ID, s.match.Players)
	if err != nil {
		m.voidLocked(ctx, s, "engine_error")
		return fmt.Errorf("create game state: %w", err)
	}
	if err := m.transition(ctx, s, models.MatchActive, func(mt *models.Match) {
		now := m.sched.Now().UTC()
		mt.StartedAt = &now
	}); err != nil {
		return err
	}
	if s.readyTimer != nil {
		s.readyTimer.Cancel()
	}
	s.state = state
	s.active = true
	metrics.ActiveMatches.Inc()
	m.emit(ctx, events.Event{Type: events.TypeStarted, MatchID: s.match.ID, Data: map[string]any{
		"players":   s.match.Players,
		"game_type": s.match.GameType,
	}})
	m.log.Infow("match started", "match_id", s.match.ID, "game_type", s.match.GameType)

	if m.cfg.AutoTick {
		loopCtx, cancel := context.WithCancel(m.loopContext())
		s.stop = cancel
		go m.loop(loopCtx, s.match.ID)
	}
	return nil
}

func (m *Machine) loop(ctx context.Context, matchID string) {
	t := time.NewTicker(m.cfg.TickInterval)
	defer t.Stop()
	delta := m.cfg.TickInterval.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			finished, err := m.Advance(ctx, matchID, delta)
			if err != nil {
				m.log.Warnw("tick failed", "match_id", matchID, "error", err)
			}
			if finished {
				return
			}
		}
	}
}

// ApplyInput feeds a player input to the authoritative simulation.
func (m *Machine) ApplyInput(ctx context.Context, userID, matchID string, input json.RawMessage) error {
	s, err := m.participant(matchID, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match.Status != models.MatchActive {
		return fmt.Errorf("input in %s: %w", s.match.Status, models.ErrInvalidTransition)
	}
	state, err := s.adapter.ApplyInput(s.state, userID, input)
	if err != nil {
		return err
	}
	s.state = state
	if sb, ok := s.adapter.(engine.Scoreboard); ok {
		m.emit(ctx, events.Event{Type: events.TypeState, MatchID: matchID, Data: map[string]any{"scores": sb.Scores(state)}})
	}
	return nil
}

// Advance runs one simulation tick. It reports true once the match has left
// ACTIVE. The simulation is paused while any participant is disconnected.
func (m *Machine) Advance(ctx context.Context, matchID string, deltaMs int64) (bool, error) {
	s := m.session(matchID)
	if s == nil {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match.Status != models.MatchActive {
		return s.done(), nil
	}
	if len(s.disconnected) > 0 {
		return false, nil
	}

	s.tick++
	if bot, ok := s.adapter.(engine.BotPlayer); ok && s.match.HasPlayer(models.BotAccountID) {
		if in, ok := bot.BotInput(s.state, models.BotAccountID, s.tick); ok {
			if next, err := s.adapter.ApplyInput(s.state, models.BotAccountID, in); err == nil {
				s.state = next
			}
		}
	}

	state, terminal, outcome, err := s.adapter.Tick(s.state, deltaMs)
	if err != nil {
		m.dispute(ctx, s, "engine error: "+err.Error())
		return true, err
	}
	s.state = state
	if !terminal {
		return false, nil
	}
	m.finish(ctx, s, outcome)
	return true, nil
}

// finish validates the reported outcome and settles. Any inconsistency sends
// the match to DISPUTED with funds still in escrow.
func (m *Machine) finish(ctx context.Context, s *session, o *engine.Outcome) {
	if err := m.transition(ctx, s, models.MatchValidating, nil); err != nil {
		m.dispute(ctx, s, "enter validating: "+err.Error())
		return
	}
	m.leaveActive(s)

	switch {
	case o == nil:
		m.dispute(ctx, s, "no outcome reported")
		return
	case !o.Draw && (!s.match.HasPlayer(o.WinnerID)):
		m.dispute(ctx, s, fmt.Sprintf("winner %q is not a participant", o.WinnerID))
		return
	}
	if v, ok := s.adapter.(engine.Verifier); ok {
		if err := v.Verify(s.state, o); err != nil {
			m.dispute(ctx, s, "verification failed: "+err.Error())
			return
		}
	}

	req := settlement.Request{MatchID: s.match.ID, Stake: s.match.Stake, Draw: o.Draw}
	if o.Draw {
		req.WinnerID, req.LoserID = s.match.Players[0], s.match.Players[1]
	} else {
		req.WinnerID, req.LoserID = o.WinnerID, s.match.Opponent(o.WinnerID)
	}
	res, err := m.settlement.Settle(ctx, req)
	m.refresh(ctx, s)
	if err != nil {
		m.emit(ctx, events.Event{Type: events.TypeDisputed, MatchID: s.match.ID, Data: map[string]any{"reason": "settlement_failed"}})
		m.end(s)
		return
	}
	m.emit(ctx, events.Event{Type: events.TypeSettled, MatchID: s.match.ID, Data: map[string]any{
		"winner_id": s.match.WinnerID,
		"draw":      res.Draw,
		"winnings":  res.Winnings.StringFixed(2),
		"rake":      res.Rake.StringFixed(2),
		"reason":    o.Reason,
		"scores":    o.Scores,
	}})
	m.end(s)
}

func (m *Machine) dispute(ctx context.Context, s *session, reason string) {
	m.leaveActive(s)
	if err := settlement.MarkDisputed(ctx, m.store, m.retry, s.match.ID, reason); err != nil {
		m.log.Errorw("mark disputed failed", "match_id", s.match.ID, "error", err)
	}
	m.refresh(ctx, s)
	m.log.Warnw("match disputed", "match_id", s.match.ID, "reason", reason)
	m.emit(ctx, events.Event{Type: events.TypeDisputed, MatchID: s.match.ID, Data: map[string]any{"reason": reason}})
	m.end(s)
}

// leaveActive stops the tick loop and pending disconnect timers.
func (m *Machine) leaveActive(s *session) {
	if !s.active {
		return
	}
	s.active = false
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	m.reconnect.CancelMatch(s.match.ID)
	metrics.ActiveMatches.Dec()
}

// end drops a match that reached a final state from the live set.
func (m *Machine) end(s *session) {
	if s.readyTimer != nil {
		s.readyTimer.Cancel()
	}
	m.unregister(s)
}

// Disconnect starts the grace window for a participant of an ACTIVE match and
// checks for a mass disconnect across matches.
func (m *Machine) Disconnect(ctx context.Context, userID, matchID string) error {
	s, err := m.participant(matchID, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.match.Status != models.MatchActive || s.disconnected[userID] {
		s.mu.Unlock()
		return nil
	}
	s.disconnected[userID] = true
	snap := reconnect.Snapshot{State: s.state, CapturedAt: m.sched.Now()}
	if sb, ok := s.adapter.(engine.Scoreboard); ok {
		snap.Scores = sb.Scores(s.state)
	}
	deadline := m.reconnect.RegisterDisconnect(userID, matchID, s.match.GameType, snap)
	s.mu.Unlock()

	verdict := fairplay.Genuine
	if m.classifier != nil {
		verdict = m.classifier.Classify(userID)
	}
	m.emit(ctx, events.Event{Type: events.TypeDisconnected, MatchID: matchID, UserID: userID, Data: map[string]any{
		"grace_deadline": deadline.UTC(),
		"verdict":        verdict,
	}})

	for _, id := range m.voids.record(matchID, m.sched.Now(), m.ActiveCount(), m.isActive) {
		m.voidMatch(ctx, id, "mass_disconnect")
	}

	// A mass outage voids the match and clears everyone, this player included.
	if verdict == fairplay.LagSwitch && m.cfg.LagSwitchPenalty > 0 && m.isActive(matchID) {
		score, err := m.trust.Adjust(ctx, userID, -m.cfg.LagSwitchPenalty, "lag switch disconnect")
		if err != nil {
			m.log.Warnw("lag switch penalty failed", "user_id", userID, "error", err)
		} else {
			m.log.Warnw("lag switch penalised", "user_id", userID, "match_id", matchID, "trust", score)
		}
	}
	return nil
}

// Reconnect resumes the user's match if their grace window is still open.
func (m *Machine) Reconnect(ctx context.Context, userID string) (string, error) {
	matchID, err := m.reconnect.AttemptReconnect(ctx, userID)
	if err != nil {
		return "", err
	}
	if s := m.session(matchID); s != nil {
		s.mu.Lock()
		delete(s.disconnected, userID)
		s.mu.Unlock()
	}
	m.emit(ctx, events.Event{Type: events.TypeReconnected, MatchID: matchID, UserID: userID})
	return matchID, nil
}

// handleExpiry forfeits the match of a participant whose grace window lapsed.
// The trust penalty has already been applied.
func (m *Machine) handleExpiry(ctx context.Context, e reconnect.Expiry) {
	s := m.session(e.MatchID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match.Status != models.MatchActive {
		return
	}
	winner := s.match.Opponent(e.UserID)
	m.leaveActive(s)

	res, err := m.settlement.Settle(ctx, settlement.Request{
		MatchID:  s.match.ID,
		WinnerID: winner,
		LoserID:  e.UserID,
		Stake:    s.match.Stake,
		Forfeit:  true,
	})
	m.refresh(ctx, s)
	if err != nil {
		m.emit(ctx, events.Event{Type: events.TypeDisputed, MatchID: s.match.ID, Data: map[string]any{"reason": "forfeit_settlement_failed"}})
		m.end(s)
		return
	}
	m.emit(ctx, events.Event{Type: events.TypeForfeited, MatchID: s.match.ID, Data: map[string]any{
		"winner_id":  winner,
		"forfeit_by": e.UserID,
		"penalty":    e.Penalty,
		"winnings":   res.Winnings.StringFixed(2),
		"rake":       res.Rake.StringFixed(2),
	}})
	m.log.Infow("match forfeited", "match_id", s.match.ID, "forfeit_by", e.UserID, "winner", winner)
	m.end(s)
}

func (m *Machine) readyTimeout(ctx context.Context, matchID string) {
	s := m.session(matchID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match.Status == models.MatchLocked {
		m.voidLocked(ctx, s, "ready_timeout")
	}
}

func (m *Machine) voidMatch(ctx context.Context, matchID, reason string) {
	s := m.session(matchID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.match.Status {
	case models.MatchActive, models.MatchLocked:
		m.voidLocked(ctx, s, reason)
	}
}

// voidLocked rolls back every hold of the match and marks it VOIDED in one
// transaction. No trust penalty applies. Caller holds s.mu.
func (m *Machine) voidLocked(ctx context.Context, s *session, reason string) {
	from := s.match.Status
	m.leaveActive(s)
	if err := m.voidTx(ctx, s.match.ID, from, reason); err != nil {
		m.log.Errorw("void failed; disputing match", "match_id", s.match.ID, "error", err)
		m.audit(ctx, &models.AuditEvent{Kind: models.AuditRollbackFailure, MatchID: s.match.ID,
			Details: map[string]any{"reason": reason, "error": err.Error()}})
		m.dispute(ctx, s, "void failed: "+err.Error())
		return
	}
	m.refresh(ctx, s)
	metrics.MatchTransitions.WithLabelValues(string(models.MatchVoided)).Inc()
	m.audit(ctx, &models.AuditEvent{Kind: models.AuditMatchVoided, MatchID: s.match.ID, Details: map[string]any{"reason": reason}})
	m.emit(ctx, events.Event{Type: events.TypeVoided, MatchID: s.match.ID, Data: map[string]any{"reason": reason}})
	m.log.Infow("match voided", "match_id", s.match.ID, "reason", reason)
	m.end(s)
}

func (m *Machine) voidTx(ctx context.Context, matchID string, from models.MatchStatus, reason string) error {
	return retry.Do(ctx, m.retry, "match.void", nil, func() error {
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			cur, err := tx.Match(ctx, matchID)
			if err != nil {
				return err
			}
			if cur.Status != from {
				return fmt.Errorf("match %s is %s, expected %s: %w", matchID, cur.Status, from, models.ErrInvalidTransition)
			}
			if err := m.escrow.RollbackMatchTx(ctx, tx, matchID); err != nil {
				return err
			}
			now := m.sched.Now().UTC()
			cur.Status = models.MatchVoided
			cur.Reason = reason
			cur.EndedAt = &now
			return tx.UpdateMatch(ctx, cur, from)
		})
	})
}

// ResolveDispute is the manual review path for a DISPUTED match: pay a
// winner, settle as a draw, or void and refund both stakes.
func (m *Machine) ResolveDispute(ctx context.Context, matchID, winnerID string, draw, void bool, adminID string) (*settlement.Result, error) {
	match, err := m.store.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != models.MatchDisputed {
		return nil, fmt.Errorf("resolve match in %s: %w", match.Status, models.ErrInvalidTransition)
	}

	details := map[string]any{"action": "resolve_dispute", "admin_id": adminID}
	var res *settlement.Result
	switch {
	case void:
		if err := m.voidTx(ctx, matchID, models.MatchDisputed, "admin_void"); err != nil {
			return nil, err
		}
		details["resolution"] = "void"
	case draw:
		res, err = m.settlement.Settle(ctx, settlement.Request{MatchID: matchID, WinnerID: match.Players[0], LoserID: match.Players[1], Stake: match.Stake, Draw: true})
		details["resolution"] = "draw"
	default:
		if !match.HasPlayer(winnerID) {
			return nil, models.ErrNotParticipant
		}
		res, err = m.settlement.Settle(ctx, settlement.Request{MatchID: matchID, WinnerID: winnerID, LoserID: match.Opponent(winnerID), Stake: match.Stake})
		details["resolution"] = "winner"
		details["winner_id"] = winnerID
	}
	if err != nil {
		return nil, err
	}
	m.audit(ctx, &models.AuditEvent{Kind: models.AuditAdminAction, MatchID: matchID, Details: details})
	m.log.Infow("dispute resolved", "match_id", matchID, "admin_id", adminID, "resolution", details["resolution"])
	if res == nil {
		m.emit(ctx, events.Event{Type: events.TypeVoided, MatchID: matchID, Data: map[string]any{"reason": "admin_void"}})
		return nil, nil
	}
	m.emit(ctx, events.Event{Type: events.TypeSettled, MatchID: matchID, Data: map[string]any{
		"winner_id": winnerID,
		"draw":      res.Draw,
		"winnings":  res.Winnings.StringFixed(2),
		"rake":      res.Rake.StringFixed(2),
	}})
	return res, nil
}

func (m *Machine) audit(ctx context.Context, ev *models.AuditEvent) {
	if err := m.store.AppendAudit(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Errorw("audit append failed", "kind", ev.Kind, "error", err)
	}
}
