// Package settlement pays out finished matches as one triple-entry ledger
// transaction, at most once per match.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/escrow"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Request struct {
	MatchID  string
	WinnerID string
	LoserID  string
	Stake    decimal.Decimal
	Draw     bool
	Forfeit  bool
}

type Result struct {
	Winnings  decimal.Decimal `json:"winnings"`
	Rake      decimal.Decimal `json:"rake"`
	Tier      string          `json:"tier"`
	Draw      bool            `json:"draw"`
	Duplicate bool            `json:"duplicate"`
}

type Engine struct {
	ledger *accounts.Ledger
	escrow *escrow.Manager
	store  store.Store
	tiers  TierTable
	policy retry.Policy
	log    *zap.SugaredLogger
}

func NewEngine(ledger *accounts.Ledger, esc *escrow.Manager, tiers TierTable, log *zap.SugaredLogger) *Engine {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	return &Engine{
		ledger: ledger,
		escrow: esc,
		store:  ledger.Store(),
		tiers:  tiers,
		policy: ledger.RetryPolicy(),
		log:    log.Named("settlement"),
	}
}

func (e *Engine) Tiers() TierTable { return e.tiers }

// Settle commits the payout for a match. A repeated call for a match that
// already settled returns the original result and changes nothing. Any other
// failure leaves balances untouched, is written to the audit trail and moves
// the match to DISPUTED.
func (e *Engine) Settle(ctx context.Context, req Request) (*Result, error) {
	if req.MatchID == "" || req.WinnerID == "" || req.LoserID == "" || req.WinnerID == req.LoserID {
		return nil, fmt.Errorf("settle: winner and loser must be two distinct participants")
	}
	if !accounts.ValidAmount(req.Stake) {
		return nil, models.ErrInvalidAmount
	}

	var res *Result
	err := retry.Do(ctx, e.policy, "settlement.settle", nil, func() error {
		return e.store.Atomic(ctx, func(tx store.Tx) error {
			r, err := e.settleTx(ctx, tx, req)
			res = r
			return err
		})
	})
	if errors.Is(err, models.ErrDuplicate) {
		// A concurrent caller committed first.
		var prior *models.Settlement
		if prior, err = e.prior(ctx, req.MatchID); err == nil {
			res = resultFrom(prior, true)
		}
	}
	if err != nil {
		e.fail(ctx, req, err)
		return nil, fmt.Errorf("settle match %s: %w: %w", req.MatchID, models.ErrSettlementFailure, err)
	}

	switch {
	case res.Duplicate:
		metrics.Settlements.WithLabelValues("duplicate").Inc()
		e.log.Infow("settlement already applied", "match_id", req.MatchID)
	default:
		outcome := "win"
		if res.Draw {
			outcome = "draw"
		} else if req.Forfeit {
			outcome = "forfeit"
		}
		metrics.Settlements.WithLabelValues(outcome).Inc()
		rake, _ := res.Rake.Float64()
		metrics.RakeCollected.Add(rake)
		e.log.Infow("match settled", "match_id", req.MatchID, "winner", req.WinnerID, "outcome", outcome,
			"stake", req.Stake.String(), "winnings", res.Winnings.String(), "rake", res.Rake.String(), "tier", res.Tier)
	}
	return res, nil
}

func (e *Engine) settleTx(ctx context.Context, tx store.Tx, req Request) (*Result, error) {
	if prior, err := tx.Settlement(ctx, req.MatchID); err == nil {
		return resultFrom(prior, true), nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	match, err := tx.Match(ctx, req.MatchID)
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	if !match.HasPlayer(req.WinnerID) || !match.HasPlayer(req.LoserID) {
		return nil, models.ErrNotParticipant
	}
	if !match.Stake.Equal(req.Stake) {
		return nil, fmt.Errorf("stake %s does not match match stake %s: %w", req.Stake, match.Stake, models.ErrInvalidAmount)
	}
	switch match.Status {
	case models.MatchValidating, models.MatchActive, models.MatchDisputed:
	default:
		return nil, fmt.Errorf("settle from %s: %w", match.Status, models.ErrInvalidTransition)
	}

	holds, err := tx.HoldsByMatch(ctx, req.MatchID)
	if err != nil {
		return nil, err
	}
	held := make(map[string]models.EscrowHold, 2)
	for _, h := range holds {
		if h.State == models.HoldConfirmed && h.Amount.Equal(req.Stake) {
			held[h.AccountID] = h
		}
	}
	for _, p := range match.Players {
		if _, ok := held[p]; !ok {
			return nil, fmt.Errorf("no confirmed hold of %s for %s: %w", req.Stake, p, models.ErrInvalidHoldState)
		}
	}

	split := e.tiers.Compute(req.Stake)
	res := &Result{Rake: split.Rake, Tier: split.Tier, Draw: req.Draw}

	// Both stakes leave escrow.
	for _, p := range []string{req.LoserID, req.WinnerID} {
		if _, err := e.ledger.Record(ctx, tx, models.EntryDebit, p, req.Stake, req.MatchID, "stake consumed", req.Stake, decimal.Zero); err != nil {
			return nil, err
		}
	}

	if req.Draw {
		refund := req.Stake.Sub(split.Fee)
		for _, p := range []string{req.WinnerID, req.LoserID} {
			if err := e.credit(ctx, tx, p, refund, req.MatchID, "draw refund"); err != nil {
				return nil, err
			}
		}
		res.Winnings = refund
	} else {
		if err := e.credit(ctx, tx, req.WinnerID, split.Winnings, req.MatchID, "match winnings"); err != nil {
			return nil, err
		}
		res.Winnings = split.Winnings
	}

	if split.Rake.IsPositive() {
		house, upd, err := e.ledger.ApplyLatest(ctx, tx, models.HouseAccountID, split.Rake, "rake", req.MatchID)
		if err != nil {
			return nil, fmt.Errorf("credit house: %w", err)
		}
		if _, err := e.ledger.Record(ctx, tx, models.EntryRake, models.HouseAccountID, split.Rake, req.MatchID, split.Tier, upd.BeforeBalance, house.Balance); err != nil {
			return nil, err
		}
	}

	for _, p := range match.Players {
		if err := e.escrow.ReleaseTx(ctx, tx, held[p].ID); err != nil {
			return nil, err
		}
	}

	prev := match.Status
	now := time.Now().UTC()
	match.Status = models.MatchSettled
	if req.Forfeit {
		match.Status = models.MatchForfeited
	}
	if !req.Draw {
		match.WinnerID = req.WinnerID
	}
	match.DisputeFlag = false
	match.EndedAt = &now
	if err := tx.UpdateMatch(ctx, match, prev); err != nil {
		return nil, err
	}

	rec := &models.Settlement{
		MatchID:   req.MatchID,
		Stake:     req.Stake,
		Rake:      split.Rake,
		Winnings:  res.Winnings,
		Tier:      split.Tier,
		Draw:      req.Draw,
		Forfeit:   req.Forfeit,
		CreatedAt: now,
	}
	if !req.Draw {
		rec.WinnerID, rec.LoserID = req.WinnerID, req.LoserID
	}
	if err := tx.CreateSettlement(ctx, rec); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, matchID, reason string) error {
	acc, upd, err := e.ledger.ApplyLatest(ctx, tx, accountID, amount, reason, matchID)
	if err != nil {
		return fmt.Errorf("credit %s: %w", accountID, err)
	}
	_, err = e.ledger.Record(ctx, tx, models.EntryCredit, accountID, amount, matchID, reason, upd.BeforeBalance, acc.Balance)
	return err
}

func (e *Engine) fail(ctx context.Context, req Request, cause error) {
	metrics.Settlements.WithLabelValues("failed").Inc()
	e.ledger.Escalate(ctx, cause)
	e.log.Errorw("settlement failed; disputing match", "match_id", req.MatchID, "error", cause)

	if err := e.store.AppendAudit(ctx, &models.AuditEvent{
		Kind:    models.AuditSettlementFailure,
		MatchID: req.MatchID,
		Details: map[string]any{
			"winner": req.WinnerID,
			"loser":  req.LoserID,
			"stake":  req.Stake.String(),
			"draw":   req.Draw,
			"error":  cause.Error(),
		},
	}); err != nil {
		e.log.Errorw("audit append failed", "match_id", req.MatchID, "error", err)
	}
	// Requests rejected before touching funds leave the match as it is.
	for _, rejected := range []error{models.ErrNotFound, models.ErrNotParticipant, models.ErrInvalidTransition, models.ErrInvalidAmount} {
		if errors.Is(cause, rejected) {
			return
		}
	}
	if err := MarkDisputed(ctx, e.store, e.policy, req.MatchID, "settlement failed: "+cause.Error()); err != nil {
		e.log.Errorw("mark disputed failed", "match_id", req.MatchID, "error", err)
	}
}

// MarkDisputed flags a non-final match as DISPUTED. Held funds stay in escrow.
func MarkDisputed(ctx context.Context, st store.Store, policy retry.Policy, matchID, reason string) error {
	var changed bool
	err := retry.Do(ctx, policy, "match.dispute", nil, func() error {
		changed = false
		return st.Atomic(ctx, func(tx store.Tx) error {
			m, err := tx.Match(ctx, matchID)
			if err != nil {
				return err
			}
			if m.Status.Terminal() {
				return nil
			}
			changed = true
			prev := m.Status
			m.Status = models.MatchDisputed
			m.DisputeFlag = true
			m.Reason = reason
			return tx.UpdateMatch(ctx, m, prev)
		})
	})
	if err != nil || !changed {
		return err
	}
	metrics.MatchTransitions.WithLabelValues(string(models.MatchDisputed)).Inc()
	return st.AppendAudit(ctx, &models.AuditEvent{Kind: models.AuditMatchDisputed, MatchID: matchID, Details: map[string]any{"reason": reason}})
}

func (e *Engine) prior(ctx context.Context, matchID string) (*models.Settlement, error) {
	var out *models.Settlement
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		s, err := tx.Settlement(ctx, matchID)
		out = s
		return err
	})
	return out, err
}

func resultFrom(s *models.Settlement, duplicate bool) *Result {
	return &Result{Winnings: s.Winnings, Rake: s.Rake, Tier: s.Tier, Draw: s.Draw, Duplicate: duplicate}
}
