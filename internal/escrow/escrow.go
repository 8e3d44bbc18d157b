// Package escrow moves stakes between an account's spendable balance and
// match holds.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Manager struct {
	ledger *accounts.Ledger
	store  store.Store
	policy retry.Policy
	log    *zap.SugaredLogger
}

func NewManager(ledger *accounts.Ledger, log *zap.SugaredLogger) *Manager {
	return &Manager{
		ledger: ledger,
		store:  ledger.Store(),
		policy: ledger.RetryPolicy(),
		log:    log.Named("escrow"),
	}
}

// Lock debits amount from the account into a CONFIRMED hold for matchID. A
// second lock for the same account and match returns the existing hold.
func (m *Manager) Lock(ctx context.Context, accountID, matchID string, amount decimal.Decimal) (*models.EscrowHold, error) {
	if !accounts.ValidAmount(amount) {
		return nil, models.ErrInvalidAmount
	}

	var hold *models.EscrowHold
	err := retry.Do(ctx, m.policy, "escrow.lock", nil, func() error {
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			h, err := m.LockTx(ctx, tx, accountID, matchID, amount)
			hold = h
			return err
		})
	})
	if err != nil {
		m.ledger.Escalate(ctx, err)
		metrics.EscrowLocks.WithLabelValues(lockResult(err)).Inc()
		return nil, err
	}
	metrics.EscrowLocks.WithLabelValues("ok").Inc()
	return hold, nil
}

// LockTx is Lock inside a caller-owned transaction.
func (m *Manager) LockTx(ctx context.Context, tx store.Tx, accountID, matchID string, amount decimal.Decimal) (*models.EscrowHold, error) {
	existing, err := tx.HoldsByMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].AccountID == accountID && existing[i].State == models.HoldConfirmed {
			return &existing[i], nil
		}
	}

	now := time.Now().UTC()
	hold := &models.EscrowHold{
		ID:        uuid.NewString(),
		AccountID: accountID,
		MatchID:   matchID,
		Amount:    amount,
		State:     models.HoldPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateHold(ctx, hold); err != nil {
		return nil, err
	}
	if _, _, err := m.ledger.ApplyLatest(ctx, tx, accountID, amount.Neg(), "escrow lock", matchID); err != nil {
		return nil, err
	}
	hold.State = models.HoldConfirmed
	if err := tx.UpdateHold(ctx, hold, models.HoldPending); err != nil {
		return nil, err
	}
	return hold, nil
}

// LockPair locks both stakes all-or-nothing. Accounts are always locked in
// lexicographic order; if the second lock fails the first is rolled back
// before the error is returned. Holds are returned in argument order.
func (m *Manager) LockPair(ctx context.Context, accountA, accountB, matchID string, amount decimal.Decimal) ([2]*models.EscrowHold, error) {
	var out [2]*models.EscrowHold
	if accountA == accountB {
		return out, fmt.Errorf("lock pair: same account %s on both sides", accountA)
	}

	ids := []string{accountA, accountB}
	sort.Strings(ids)

	first, err := m.Lock(ctx, ids[0], matchID, amount)
	if err != nil {
		return out, &PairError{AccountID: ids[0], Err: err}
	}
	second, err := m.Lock(ctx, ids[1], matchID, amount)
	if err != nil {
		if rerr := m.Rollback(ctx, first.ID); rerr != nil {
			m.log.Errorw("compensating rollback failed", "hold_id", first.ID, "match_id", matchID, "error", rerr)
			m.audit(ctx, &models.AuditEvent{
				Kind:      models.AuditRollbackFailure,
				AccountID: first.AccountID,
				MatchID:   matchID,
				Details:   map[string]any{"hold_id": first.ID, "error": rerr.Error()},
			})
		}
		return out, &PairError{AccountID: ids[1], Err: err}
	}

	if first.AccountID == accountA {
		out[0], out[1] = first, second
	} else {
		out[0], out[1] = second, first
	}
	return out, nil
}

// Release marks a hold consumed by settlement. Balances do not change.
func (m *Manager) Release(ctx context.Context, holdID string) error {
	return retry.Do(ctx, m.policy, "escrow.release", nil, func() error {
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			return m.ReleaseTx(ctx, tx, holdID)
		})
	})
}

func (m *Manager) ReleaseTx(ctx context.Context, tx store.Tx, holdID string) error {
	h, err := tx.Hold(ctx, holdID)
	if err != nil {
		return err
	}
	if h.State == models.HoldReleased {
		return nil
	}
	if h.State != models.HoldConfirmed {
		return fmt.Errorf("release hold %s in state %s: %w", holdID, h.State, models.ErrInvalidHoldState)
	}
	h.State = models.HoldReleased
	return tx.UpdateHold(ctx, h, models.HoldConfirmed)
}

// Rollback returns a confirmed hold to the account through a compensating
// balance update. Rolling back an already rolled back hold is a no-op.
func (m *Manager) Rollback(ctx context.Context, holdID string) error {
	err := retry.Do(ctx, m.policy, "escrow.rollback", nil, func() error {
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			return m.RollbackTx(ctx, tx, holdID)
		})
	})
	if err != nil {
		m.ledger.Escalate(ctx, err)
	}
	return err
}

func (m *Manager) RollbackTx(ctx context.Context, tx store.Tx, holdID string) error {
	h, err := tx.Hold(ctx, holdID)
	if err != nil {
		return err
	}
	switch h.State {
	case models.HoldRolledBack:
		return nil
	case models.HoldConfirmed:
	default:
		return fmt.Errorf("rollback hold %s in state %s: %w", holdID, h.State, models.ErrInvalidHoldState)
	}
	if _, _, err := m.ledger.ApplyLatest(ctx, tx, h.AccountID, h.Amount, "escrow rollback", h.MatchID); err != nil {
		return err
	}
	h.State = models.HoldRolledBack
	return tx.UpdateHold(ctx, h, models.HoldConfirmed)
}

// RollbackMatchTx rolls back every confirmed hold of a match.
func (m *Manager) RollbackMatchTx(ctx context.Context, tx store.Tx, matchID string) error {
	holds, err := tx.HoldsByMatch(ctx, matchID)
	if err != nil {
		return err
	}
	for _, h := range holds {
		if h.State != models.HoldConfirmed {
			continue
		}
		if err := m.RollbackTx(ctx, tx, h.ID); err != nil {
			return err
		}
	}
	return nil
}

// PairError names the account whose lock failed during LockPair.
type PairError struct {
	AccountID string
	Err       error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("lock %s: %v", e.AccountID, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

func lockResult(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, models.ErrAccountFrozen), errors.Is(err, models.ErrIntegrityViolation):
		return "frozen"
	}
	return "error"
}

func (m *Manager) audit(ctx context.Context, ev *models.AuditEvent) {
	if err := m.store.AppendAudit(ctx, ev); err != nil {
		m.log.Errorw("audit append failed", "kind", ev.Kind, "error", err)
	}
}
