// Package postgres implements store.Store on PostgreSQL. Transactions run at
// READ COMMITTED; every balance, hold and match write is a conditional UPDATE
// whose zero-row result is reported as a concurrency conflict.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
)

type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return mapErr(err)
	}
	return mapErr(sqlTx.Commit())
}

func (s *Store) Account(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.db.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (s *Store) Match(ctx context.Context, id string) (*models.Match, error) {
	var r matchRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return r.model()
}

func (s *Store) OpenMatches(ctx context.Context, createdBefore time.Time) ([]models.Match, error) {
	var rows []matchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+matchColumns+` FROM matches
		WHERE status NOT IN ('SETTLED', 'DISPUTED', 'VOIDED', 'FORFEITED') AND created_at < $1
		ORDER BY created_at`, createdBefore)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.Match, 0, len(rows))
	for i := range rows {
		m, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) LedgerByMatch(ctx context.Context, matchID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := s.db.SelectContext(ctx, &out, `SELECT `+ledgerColumns+` FROM ledger WHERE match_id = $1 ORDER BY seq`, matchID)
	return out, mapErr(err)
}

func (s *Store) LedgerByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+ledgerColumns+` FROM ledger WHERE account_id = $1
		ORDER BY seq DESC LIMIT NULLIF($2, 0)`, accountID, limit)
	return out, mapErr(err)
}

func (s *Store) SetFrozen(ctx context.Context, accountID string, frozen bool, reason string) error {
	if !frozen {
		reason = ""
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET frozen = $2, frozen_reason = $3 WHERE id = $1`, accountID, frozen, reason)
	if err := expectOne(res, err); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			return models.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) AdjustTrust(ctx context.Context, accountID string, delta, min, max int) (int, error) {
	var score int
	err := s.db.QueryRowxContext(ctx, `
		UPDATE accounts SET trust_score = LEAST(GREATEST(trust_score + $2, $3), $4)
		WHERE id = $1
		RETURNING trust_score`, accountID, delta, min, max).Scan(&score)
	return score, mapErr(err)
}

func (s *Store) AppendAudit(ctx context.Context, ev *models.AuditEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	if ev.Details == nil {
		details = []byte("{}")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO audit_events (kind, account_id, match_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, ev.Kind, ev.AccountID, ev.MatchID, details, ev.CreatedAt)
	return mapErr(row.Scan(&ev.ID))
}

func (s *Store) AuditEvents(ctx context.Context, kind string, limit int) ([]models.AuditEvent, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, account_id, match_id, details, created_at FROM audit_events
		WHERE ($1 = '' OR kind = $1)
		ORDER BY id DESC LIMIT NULLIF($2, 0)`, kind, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]models.AuditEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

type ledgerDelta struct {
	Seq       int64           `db:"seq"`
	EntryType string          `db:"entry_type"`
	Amount    decimal.Decimal `db:"amount"`
}

// Snapshot reads under REPEATABLE READ so balances and the ledger window come
// from the same point in time without blocking writers. Sequence numbers are
// handed out at insert, so a gap below the newest visible row belongs to a
// transaction still in flight; such gaps are reported as PendingSeqs and
// re-read on the next run.
func (s *Store) Snapshot(ctx context.Context, cursor int64, pending []int64) (*store.Snapshot, error) {
	rtx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer rtx.Rollback()

	snap := &store.Snapshot{Cursor: cursor}
	var totals struct {
		Sum   decimal.Decimal `db:"sum"`
		Count int             `db:"count"`
	}
	if err := rtx.GetContext(ctx, &totals, `SELECT COALESCE(SUM(balance), 0) AS sum, COUNT(*) AS count FROM accounts`); err != nil {
		return nil, mapErr(err)
	}
	snap.BalanceSum, snap.Accounts = totals.Sum, totals.Count

	if err := rtx.GetContext(ctx, &snap.HeldSum, `SELECT COALESCE(SUM(amount), 0) FROM escrow_holds WHERE state = 'CONFIRMED'`); err != nil {
		return nil, mapErr(err)
	}

	if pending == nil {
		pending = []int64{}
	}
	var rows []ledgerDelta
	if err := rtx.SelectContext(ctx, &rows, `
		SELECT seq, entry_type, amount FROM ledger
		WHERE seq > $1 OR seq = ANY($2)
		ORDER BY seq`, cursor, pq.Array(pending)); err != nil {
		return nil, mapErr(err)
	}

	seen := make(map[int64]bool, len(rows))
	for _, r := range rows {
		seen[r.Seq] = true
		snap.EntriesCounted++
		switch models.EntryType(r.EntryType) {
		case models.EntryBalanceUpdate:
			snap.LedgerDelta = snap.LedgerDelta.Add(r.Amount)
		case models.EntryRake:
			snap.RakeDelta = snap.RakeDelta.Add(r.Amount)
		}
		if r.Seq > snap.Cursor {
			snap.Cursor = r.Seq
		}
	}

	for _, seq := range pending {
		if !seen[seq] {
			snap.PendingSeqs = append(snap.PendingSeqs, seq)
		}
	}
	for seq := cursor + 1; seq < snap.Cursor; seq++ {
		if !seen[seq] {
			snap.PendingSeqs = append(snap.PendingSeqs, seq)
		}
	}
	sort.Slice(snap.PendingSeqs, func(i, j int) bool { return snap.PendingSeqs[i] < snap.PendingSeqs[j] })
	return snap, nil
}

func (s *Store) Checkpoint(ctx context.Context, id int64) (*models.ReconciliationCheckpoint, error) {
	var r checkpointRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+checkpointColumns+` FROM reconciliation_checkpoints WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return r.model(), nil
}

func (s *Store) LatestCheckpoint(ctx context.Context) (*models.ReconciliationCheckpoint, error) {
	var r checkpointRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+checkpointColumns+` FROM reconciliation_checkpoints ORDER BY id DESC LIMIT 1`); err != nil {
		return nil, mapErr(err)
	}
	return r.model(), nil
}

func (s *Store) OpenCritical(ctx context.Context) (*models.ReconciliationCheckpoint, error) {
	var r checkpointRow
	err := s.db.GetContext(ctx, &r, `
		SELECT `+checkpointColumns+` FROM reconciliation_checkpoints
		WHERE status = 'CRITICAL_MISMATCH' AND cleared_at IS NULL
		ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return nil, mapErr(err)
	}
	return r.model(), nil
}

func (s *Store) AppendCheckpoint(ctx context.Context, c *models.ReconciliationCheckpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	pending := c.PendingSeqs
	if pending == nil {
		pending = []int64{}
	}
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO reconciliation_checkpoints (created_at, expected_vault, actual_sum, drift, status, total_held,
			fees_collected, accounts_counted, ledger_cursor, pending_seqs, consecutive_drift)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		c.CreatedAt, c.ExpectedVault, c.ActualSum, c.Drift, c.Status, c.TotalHeld,
		c.FeesCollected, c.AccountsCounted, c.LedgerCursor, pq.Array(pending), c.ConsecutiveDrift)
	return mapErr(row.Scan(&c.ID))
}

func (s *Store) ClearCheckpoint(ctx context.Context, id int64, clearedBy string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM reconciliation_checkpoints WHERE id = $1)`, id); err != nil {
		return mapErr(err)
	}
	if !exists {
		return models.ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_checkpoints SET cleared_at = NOW(), cleared_by = $2
		WHERE id <= $1 AND status = 'CRITICAL_MISMATCH' AND cleared_at IS NULL`, id, clearedBy)
	return mapErr(err)
}

func (s *Store) AdminAccount(ctx context.Context, id string) (*models.AdminAccount, error) {
	var r adminRow
	err := s.db.GetContext(ctx, &r, `
		SELECT id, display_name, token_hash, roles, created_at, updated_at
		FROM admin_accounts WHERE id = $1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &models.AdminAccount{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		TokenHash:   r.TokenHash,
		Roles:       []string(r.Roles),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (s *Store) UpsertAdminAccount(ctx context.Context, a *models.AdminAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_accounts (id, display_name, token_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, token_hash = EXCLUDED.token_hash,
		    roles = EXCLUDED.roles, updated_at = NOW()`,
		a.ID, a.DisplayName, a.TokenHash, pq.Array(a.Roles))
	return mapErr(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
