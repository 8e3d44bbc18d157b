package postgres

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/playmatatu/arbiter/internal/models"
)

type tx struct {
	tx *sqlx.Tx
}

func (t *tx) Account(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := t.tx.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (t *tx) CreateAccount(ctx context.Context, a *models.Account) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, balance_hash, trust_score, frozen, frozen_reason, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.Balance, a.Version, a.IntegrityHash, a.TrustScore, a.Frozen, a.FrozenReason, a.LastActivity, a.CreatedAt)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			return models.ErrDuplicate
		}
		return err
	}
	return nil
}

// UpdateAccount is a compare-and-set on version. Frozen rows never match.
func (t *tx) UpdateAccount(ctx context.Context, a *models.Account, expectedVersion int64) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2, version = $3, balance_hash = $4, last_activity = $5
		WHERE id = $1 AND version = $6 AND NOT frozen`,
		a.ID, a.Balance, a.Version, a.IntegrityHash, a.LastActivity, expectedVersion))
}

func (t *tx) AppendLedger(ctx context.Context, e *models.LedgerEntry) error {
	row := t.tx.QueryRowxContext(ctx, `
		INSERT INTO ledger (id, account_id, entry_type, amount, match_id, reason, before_balance, after_balance, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		e.ID, e.AccountID, e.EntryType, e.Amount, e.MatchID, e.Reason, e.BeforeBalance, e.AfterBalance, e.Hash, e.CreatedAt)
	return mapErr(row.Scan(&e.Seq))
}

func (t *tx) Hold(ctx context.Context, id string) (*models.EscrowHold, error) {
	var h models.EscrowHold
	if err := t.tx.GetContext(ctx, &h, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &h, nil
}

func (t *tx) HoldsByMatch(ctx context.Context, matchID string) ([]models.EscrowHold, error) {
	var out []models.EscrowHold
	err := t.tx.SelectContext(ctx, &out, `SELECT `+holdColumns+` FROM escrow_holds WHERE match_id = $1 ORDER BY created_at, id`, matchID)
	return out, mapErr(err)
}

func (t *tx) CreateHold(ctx context.Context, h *models.EscrowHold) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrow_holds (id, account_id, match_id, amount, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		h.ID, h.AccountID, h.MatchID, h.Amount, h.State, h.CreatedAt)
	return mapErr(err)
}

func (t *tx) UpdateHold(ctx context.Context, h *models.EscrowHold, expected models.HoldState) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE escrow_holds SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3`,
		h.ID, h.State, expected))
}

func (t *tx) Match(ctx context.Context, id string) (*models.Match, error) {
	var r matchRow
	if err := t.tx.GetContext(ctx, &r, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return r.model()
}

func (t *tx) CreateMatch(ctx context.Context, m *models.Match) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO matches (id, game_type, players, stake, status, winner_id, dispute_flag, reason, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.GameType, pq.Array(m.Players[:]), m.Stake, m.Status, m.WinnerID, m.DisputeFlag, m.Reason,
		m.CreatedAt, nullTime(m.StartedAt), nullTime(m.EndedAt))
	return mapErr(err)
}

func (t *tx) UpdateMatch(ctx context.Context, m *models.Match, expected models.MatchStatus) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE matches
		SET status = $2, winner_id = $3, dispute_flag = $4, reason = $5, started_at = $6, ended_at = $7
		WHERE id = $1 AND status = $8`,
		m.ID, m.Status, m.WinnerID, m.DisputeFlag, m.Reason, nullTime(m.StartedAt), nullTime(m.EndedAt), expected))
}

func (t *tx) Settlement(ctx context.Context, matchID string) (*models.Settlement, error) {
	var s models.Settlement
	if err := t.tx.GetContext(ctx, &s, `SELECT `+settlementColumns+` FROM settlements WHERE match_id = $1`, matchID); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

// CreateSettlement is the idempotency guard: a second row for the same match
// reports ErrDuplicate and the surrounding transaction rolls back.
func (t *tx) CreateSettlement(ctx context.Context, s *models.Settlement) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO settlements (match_id, winner_id, loser_id, stake, rake, winnings, tier, draw, forfeit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (match_id) DO NOTHING`,
		s.MatchID, s.WinnerID, s.LoserID, s.Stake, s.Rake, s.Winnings, s.Tier, s.Draw, s.Forfeit, s.CreatedAt)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			return models.ErrDuplicate
		}
		return err
	}
	return nil
}
