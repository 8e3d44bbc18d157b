package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, balance, version, balance_hash, trust_score, frozen, frozen_reason, last_activity, created_at`

const holdColumns = `id, account_id, match_id, amount, state, created_at, updated_at`

const ledgerColumns = `seq, id, account_id, entry_type, amount, match_id, reason, before_balance, after_balance, hash, created_at`

const matchColumns = `id, game_type, players, stake, status, winner_id, dispute_flag, reason, created_at, started_at, ended_at`

const settlementColumns = `match_id, winner_id, loser_id, stake, rake, winnings, tier, draw, forfeit, created_at`

const checkpointColumns = `id, created_at, expected_vault, actual_sum, drift, status, total_held, fees_collected,
	accounts_counted, ledger_cursor, pending_seqs, consecutive_drift, cleared_at, cleared_by`

type matchRow struct {
	ID          string          `db:"id"`
	GameType    string          `db:"game_type"`
	Players     pq.StringArray  `db:"players"`
	Stake       decimal.Decimal `db:"stake"`
	Status      string          `db:"status"`
	WinnerID    string          `db:"winner_id"`
	DisputeFlag bool            `db:"dispute_flag"`
	Reason      string          `db:"reason"`
	CreatedAt   time.Time       `db:"created_at"`
	StartedAt   sql.NullTime    `db:"started_at"`
	EndedAt     sql.NullTime    `db:"ended_at"`
}

func (r *matchRow) model() (*models.Match, error) {
	if len(r.Players) != 2 {
		return nil, fmt.Errorf("match %s has %d players", r.ID, len(r.Players))
	}
	m := &models.Match{
		ID:          r.ID,
		GameType:    r.GameType,
		Players:     [2]string{r.Players[0], r.Players[1]},
		Stake:       r.Stake,
		Status:      models.MatchStatus(r.Status),
		WinnerID:    r.WinnerID,
		DisputeFlag: r.DisputeFlag,
		Reason:      r.Reason,
		CreatedAt:   r.CreatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		m.StartedAt = &t
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time
		m.EndedAt = &t
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

type checkpointRow struct {
	ID               int64           `db:"id"`
	CreatedAt        time.Time       `db:"created_at"`
	ExpectedVault    decimal.Decimal `db:"expected_vault"`
	ActualSum        decimal.Decimal `db:"actual_sum"`
	Drift            decimal.Decimal `db:"drift"`
	Status           string          `db:"status"`
	TotalHeld        decimal.Decimal `db:"total_held"`
	FeesCollected    decimal.Decimal `db:"fees_collected"`
	AccountsCounted  int             `db:"accounts_counted"`
	LedgerCursor     int64           `db:"ledger_cursor"`
	PendingSeqs      pq.Int64Array   `db:"pending_seqs"`
	ConsecutiveDrift int             `db:"consecutive_drift"`
	ClearedAt        sql.NullTime    `db:"cleared_at"`
	ClearedBy        string          `db:"cleared_by"`
}

func (r *checkpointRow) model() *models.ReconciliationCheckpoint {
	c := &models.ReconciliationCheckpoint{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		ExpectedVault:    r.ExpectedVault,
		ActualSum:        r.ActualSum,
		Drift:            r.Drift,
		Status:           models.CheckpointStatus(r.Status),
		TotalHeld:        r.TotalHeld,
		FeesCollected:    r.FeesCollected,
		AccountsCounted:  r.AccountsCounted,
		LedgerCursor:     r.LedgerCursor,
		PendingSeqs:      []int64(r.PendingSeqs),
		ConsecutiveDrift: r.ConsecutiveDrift,
		ClearedBy:        r.ClearedBy,
	}
	if r.ClearedAt.Valid {
		t := r.ClearedAt.Time
		c.ClearedAt = &t
	}
	return c
}

type auditRow struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	AccountID string    `db:"account_id"`
	MatchID   string    `db:"match_id"`
	Details   []byte    `db:"details"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *auditRow) model() models.AuditEvent {
	ev := models.AuditEvent{ID: r.ID, Kind: r.Kind, AccountID: r.AccountID, MatchID: r.MatchID, CreatedAt: r.CreatedAt}
	if len(r.Details) > 0 {
		_ = json.Unmarshal(r.Details, &ev.Details)
	}
	return ev
}

type adminRow struct {
	ID          string         `db:"id"`
	DisplayName string         `db:"display_name"`
	TokenHash   string         `db:"token_hash"`
	Roles       pq.StringArray `db:"roles"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", pqErr.Message, models.ErrConcurrencyConflict)
		case "23505":
			return fmt.Errorf("%s: %w", pqErr.Message, models.ErrDuplicate)
		}
	}
	return err
}

// expectOne turns a zero-row conditional update into a conflict.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrConcurrencyConflict
	}
	return nil
}
