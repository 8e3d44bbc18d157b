package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// System accounts. Both are ordinary balance rows so that rake and bot stakes
// take part in reconciliation like any player balance.
const (
	HouseAccountID = "HOUSE"
	BotAccountID   = "BOT"
)

// Account is a player (or system) balance owned by the account ledger.
type Account struct {
	ID            string          `db:"id" json:"id"`
	Balance       decimal.Decimal `db:"balance" json:"balance"`
	Version       int64           `db:"version" json:"version"`
	IntegrityHash string          `db:"balance_hash" json:"-"`
	TrustScore    int             `db:"trust_score" json:"trust_score"`
	Frozen        bool            `db:"frozen" json:"frozen"`
	FrozenReason  string          `db:"frozen_reason" json:"frozen_reason,omitempty"`
	LastActivity  time.Time       `db:"last_activity" json:"last_activity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// HoldState is the lifecycle state of an escrow hold.
type HoldState string

const (
	HoldPending    HoldState = "PENDING"
	HoldConfirmed  HoldState = "CONFIRMED"
	HoldReleased   HoldState = "RELEASED"
	HoldRolledBack HoldState = "ROLLED_BACK"
)

// Terminal reports whether no further transition is allowed.
func (s HoldState) Terminal() bool {
	return s == HoldReleased || s == HoldRolledBack
}

// EscrowHold is a stake removed from an account's spendable balance for a match.
type EscrowHold struct {
	ID        string          `db:"id" json:"id"`
	AccountID string          `db:"account_id" json:"account_id"`
	MatchID   string          `db:"match_id" json:"match_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	State     HoldState       `db:"state" json:"state"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// EntryType classifies ledger rows.
type EntryType string

const (
	EntryDebit         EntryType = "DEBIT"
	EntryCredit        EntryType = "CREDIT"
	EntryRake          EntryType = "RAKE"
	EntryBalanceUpdate EntryType = "BALANCE_UPDATE"
	EntryRedemption    EntryType = "REDEMPTION"
)

// LedgerEntry is an append-only ledger row. Seq is assigned by the store on
// append and is the cursor used by reconciliation.
type LedgerEntry struct {
	Seq           int64           `db:"seq" json:"seq"`
	ID            string          `db:"id" json:"id"`
	AccountID     string          `db:"account_id" json:"account_id"`
	EntryType     EntryType       `db:"entry_type" json:"entry_type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	MatchID       string          `db:"match_id" json:"match_id,omitempty"`
	Reason        string          `db:"reason" json:"reason,omitempty"`
	BeforeBalance decimal.Decimal `db:"before_balance" json:"before_balance"`
	AfterBalance  decimal.Decimal `db:"after_balance" json:"after_balance"`
	Hash          string          `db:"hash" json:"hash"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// MatchStatus is a state of the match state machine.
type MatchStatus string

const (
	MatchQueued     MatchStatus = "QUEUED"
	MatchMatched    MatchStatus = "MATCHED"
	MatchLocking    MatchStatus = "LOCKING"
	MatchLocked     MatchStatus = "LOCKED"
	MatchActive     MatchStatus = "ACTIVE"
	MatchValidating MatchStatus = "VALIDATING"
	MatchSettled    MatchStatus = "SETTLED"
	MatchDisputed   MatchStatus = "DISPUTED"
	MatchVoided     MatchStatus = "VOIDED"
	MatchForfeited  MatchStatus = "FORFEITED"
)

// Terminal reports whether the match has reached an outcome. DISPUTED is
// terminal for the automated flow; only manual resolution moves it on.
func (s MatchStatus) Terminal() bool {
	switch s {
	case MatchSettled, MatchDisputed, MatchVoided, MatchForfeited:
		return true
	}
	return false
}

// Match is a 1v1 wagered match.
type Match struct {
	ID          string          `json:"id"`
	GameType    string          `json:"game_type"`
	Players     [2]string       `json:"players"`
	Stake       decimal.Decimal `json:"stake"`
	Status      MatchStatus     `json:"status"`
	WinnerID    string          `json:"winner_id,omitempty"`
	DisputeFlag bool            `json:"dispute_flag"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
}

// Opponent returns the other participant, or "" when id is not a player.
func (m *Match) Opponent(id string) string {
	switch id {
	case m.Players[0]:
		return m.Players[1]
	case m.Players[1]:
		return m.Players[0]
	}
	return ""
}

// HasPlayer reports whether id participates in the match.
func (m *Match) HasPlayer(id string) bool {
	return id != "" && (m.Players[0] == id || m.Players[1] == id)
}

// Settlement is the idempotency record of a committed settlement, keyed by match.
type Settlement struct {
	MatchID   string          `db:"match_id" json:"match_id"`
	WinnerID  string          `db:"winner_id" json:"winner_id,omitempty"`
	LoserID   string          `db:"loser_id" json:"loser_id,omitempty"`
	Stake     decimal.Decimal `db:"stake" json:"stake"`
	Rake      decimal.Decimal `db:"rake" json:"rake"`
	Winnings  decimal.Decimal `db:"winnings" json:"winnings"`
	Tier      string          `db:"tier" json:"tier"`
	Draw      bool            `db:"draw" json:"draw"`
	Forfeit   bool            `db:"forfeit" json:"forfeit"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// CheckpointStatus is the outcome of a reconciliation run.
type CheckpointStatus string

const (
	CheckpointSuccess  CheckpointStatus = "SUCCESS"
	CheckpointWarning  CheckpointStatus = "WARNING"
	CheckpointCritical CheckpointStatus = "CRITICAL_MISMATCH"
)

// ReconciliationCheckpoint is one append-only reconciliation record.
type ReconciliationCheckpoint struct {
	ID               int64            `json:"id"`
	CreatedAt        time.Time        `json:"timestamp"`
	ExpectedVault    decimal.Decimal  `json:"expected_vault"`
	ActualSum        decimal.Decimal  `json:"actual_sum"`
	Drift            decimal.Decimal  `json:"drift"`
	Status           CheckpointStatus `json:"status"`
	TotalHeld        decimal.Decimal  `json:"total_held"`
	FeesCollected    decimal.Decimal  `json:"fees_collected"`
	AccountsCounted  int              `json:"accounts_counted"`
	LedgerCursor     int64            `json:"ledger_cursor"`
	PendingSeqs      []int64          `json:"-"`
	ConsecutiveDrift int              `json:"consecutive_drift"`
	ClearedAt        *time.Time       `json:"cleared_at,omitempty"`
	ClearedBy        string           `json:"cleared_by,omitempty"`
}

// Audit event kinds.
const (
	AuditIntegrityViolation = "INTEGRITY_VIOLATION"
	AuditAccountFrozen      = "ACCOUNT_FROZEN"
	AuditAccountUnfrozen    = "ACCOUNT_UNFROZEN"
	AuditSettlementFailure  = "SETTLEMENT_FAILURE"
	AuditRollbackFailure    = "ROLLBACK_FAILURE"
	AuditReconciliation     = "RECONCILIATION_DRIFT"
	AuditDriftCleared       = "RECONCILIATION_CLEARED"
	AuditTrustAdjusted      = "TRUST_ADJUSTED"
	AuditMatchVoided        = "MATCH_VOIDED"
	AuditMatchDisputed      = "MATCH_DISPUTED"
	AuditWithdrawalBlocked  = "WITHDRAWAL_BLOCKED"
	AuditAdminAction        = "ADMIN_ACTION"
)

// AuditEvent is an immutable record written outside the triggering
// transaction, so failures leave a trace even when nothing was committed.
type AuditEvent struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	AccountID string         `json:"account_id,omitempty"`
	MatchID   string         `json:"match_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AdminAccount represents an admin operator allowed to perform manual review.
type AdminAccount struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	TokenHash   string    `json:"-"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasRole reports whether the admin holds role or super_admin.
func (a *AdminAccount) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role || r == "super_admin" {
			return true
		}
	}
	return false
}
