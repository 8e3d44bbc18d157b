// Package store defines the persistence contract shared by the in-memory and
// Postgres implementations. All financial mutation goes through Atomic.
package store

import (
	"context"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/shopspring/decimal"
)

// Tx is a unit of work. Writes become visible only when the function passed to
// Atomic returns nil. Conditional updates fail with models.ErrConcurrencyConflict
// when the stored row no longer matches the expected version or state.
type Tx interface {
	Account(ctx context.Context, id string) (*models.Account, error)
	CreateAccount(ctx context.Context, a *models.Account) error
	UpdateAccount(ctx context.Context, a *models.Account, expectedVersion int64) error

	AppendLedger(ctx context.Context, e *models.LedgerEntry) error

	Hold(ctx context.Context, id string) (*models.EscrowHold, error)
	HoldsByMatch(ctx context.Context, matchID string) ([]models.EscrowHold, error)
	CreateHold(ctx context.Context, h *models.EscrowHold) error
	UpdateHold(ctx context.Context, h *models.EscrowHold, expected models.HoldState) error

	Match(ctx context.Context, id string) (*models.Match, error)
	CreateMatch(ctx context.Context, m *models.Match) error
	UpdateMatch(ctx context.Context, m *models.Match, expected models.MatchStatus) error

	Settlement(ctx context.Context, matchID string) (*models.Settlement, error)
	CreateSettlement(ctx context.Context, s *models.Settlement) error
}

// Snapshot is a consistent read for one reconciliation run.
type Snapshot struct {
	BalanceSum     decimal.Decimal
	HeldSum        decimal.Decimal
	Accounts       int
	LedgerDelta    decimal.Decimal // BALANCE_UPDATE deltas past the cursor
	RakeDelta      decimal.Decimal
	Cursor         int64
	PendingSeqs    []int64 // sequence numbers below Cursor not yet visible
	EntriesCounted int
}

// Store is the persistence contract.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// Reads outside a transaction.
	Account(ctx context.Context, id string) (*models.Account, error)
	Match(ctx context.Context, id string) (*models.Match, error)
	// OpenMatches lists non-final matches created before the cutoff.
	OpenMatches(ctx context.Context, createdBefore time.Time) ([]models.Match, error)
	LedgerByMatch(ctx context.Context, matchID string) ([]models.LedgerEntry, error)
	LedgerByAccount(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)

	// SetFrozen and AdjustTrust do not touch the balance version chain.
	SetFrozen(ctx context.Context, accountID string, frozen bool, reason string) error
	AdjustTrust(ctx context.Context, accountID string, delta, min, max int) (int, error)

	AppendAudit(ctx context.Context, ev *models.AuditEvent) error
	AuditEvents(ctx context.Context, kind string, limit int) ([]models.AuditEvent, error)

	// Snapshot reads balances and the ledger window after cursor (plus any
	// pending sequence numbers) at one point in time.
	Snapshot(ctx context.Context, cursor int64, pending []int64) (*Snapshot, error)
	Checkpoint(ctx context.Context, id int64) (*models.ReconciliationCheckpoint, error)
	LatestCheckpoint(ctx context.Context) (*models.ReconciliationCheckpoint, error)
	OpenCritical(ctx context.Context) (*models.ReconciliationCheckpoint, error)
	AppendCheckpoint(ctx context.Context, c *models.ReconciliationCheckpoint) error
	ClearCheckpoint(ctx context.Context, id int64, clearedBy string) error

	AdminAccount(ctx context.Context, id string) (*models.AdminAccount, error)
	UpsertAdminAccount(ctx context.Context, a *models.AdminAccount) error

	// Ping checks the backing connection.
	Ping(ctx context.Context) error
	Close() error
}
