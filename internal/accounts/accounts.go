// Package accounts owns account balances. Every balance change is a versioned,
// re-hashed write paired with a BALANCE_UPDATE ledger row.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	Salt            string
	StartingBalance decimal.Decimal
	Retry           retry.Policy
}

// WithdrawalGate decides whether withdrawals are currently permitted.
type WithdrawalGate interface {
	AllowWithdrawal(ctx context.Context) error
}

// Mutation is one balance change applied inside a transaction.
type Mutation struct {
	AccountID       string
	Delta           decimal.Decimal
	ExpectedVersion int64
	Reason          string
	MatchID         string
}

type Ledger struct {
	store store.Store
	cfg   Config
	gate  WithdrawalGate
	log   *zap.SugaredLogger
	now   func() time.Time
}

func New(st store.Store, cfg Config, gate WithdrawalGate, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: st, cfg: cfg, gate: gate, log: log.Named("ledger"), now: time.Now}
}

// Store exposes the underlying store for collaborators that compose
// ledger writes into their own transactions.
func (l *Ledger) Store() store.Store { return l.store }

func (l *Ledger) RetryPolicy() retry.Policy { return l.cfg.Retry }

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Initialize creates the account with the configured starting balance. It is
// idempotent per id.
func (l *Ledger) Initialize(ctx context.Context, id string) (*models.Account, error) {
	return l.InitializeWith(ctx, id, l.cfg.StartingBalance)
}

// InitializeWith creates the account with the given opening balance unless it
// already exists, in which case the existing account is returned untouched.
func (l *Ledger) InitializeWith(ctx context.Context, id string, opening decimal.Decimal) (*models.Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is empty")
	}
	if opening.IsNegative() {
		return nil, models.ErrInvalidAmount
	}

	var created *models.Account
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		if existing, err := tx.Account(ctx, id); err == nil {
			created = existing
			return nil
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := l.timestamp()
		acc := &models.Account{
			ID:            id,
			Balance:       opening,
			Version:       1,
			IntegrityHash: BalanceHash(id, opening, l.cfg.Salt),
			TrustScore:    100,
			LastActivity:  now,
			CreatedAt:     now,
		}
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		if !opening.IsZero() {
			if _, err := l.Record(ctx, tx, models.EntryBalanceUpdate, id, opening, "", "opening balance", decimal.Zero, opening); err != nil {
				return err
			}
		}
		created = acc
		return nil
	})
	if errors.Is(err, models.ErrDuplicate) {
		return l.store.Account(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize account %s: %w", id, err)
	}
	return created, nil
}

// Balance returns the current account row.
func (l *Ledger) Balance(ctx context.Context, id string) (*models.Account, error) {
	return l.store.Account(ctx, id)
}

// AtomicUpdate applies delta if the account is still at expectedVersion. It is
// a single attempt: a stale version yields ErrConcurrencyConflict.
func (l *Ledger) AtomicUpdate(ctx context.Context, id string, delta decimal.Decimal, expectedVersion int64, reason string) (*models.Account, error) {
	var out *models.Account
	err := l.store.Atomic(ctx, func(tx store.Tx) error {
		acc, _, err := l.Apply(ctx, tx, Mutation{AccountID: id, Delta: delta, ExpectedVersion: expectedVersion, Reason: reason})
		out = acc
		return err
	})
	if err != nil {
		l.Escalate(ctx, err)
		return nil, err
	}
	return out, nil
}

// Apply performs the checked balance write and its BALANCE_UPDATE row inside tx.
// Order of checks: frozen, integrity, version, funds.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, m Mutation) (*models.Account, *models.LedgerEntry, error) {
	acc, err := tx.Account(ctx, m.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("load account %s: %w", m.AccountID, err)
	}
	if acc.Frozen {
		return nil, nil, fmt.Errorf("account %s: %w", m.AccountID, models.ErrAccountFrozen)
	}
	if acc.IntegrityHash != BalanceHash(acc.ID, acc.Balance, l.cfg.Salt) {
		return nil, nil, &models.IntegrityError{AccountID: acc.ID}
	}
	if acc.Version != m.ExpectedVersion {
		return nil, nil, fmt.Errorf("account %s at version %d, expected %d: %w", acc.ID, acc.Version, m.ExpectedVersion, models.ErrConcurrencyConflict)
	}

	before := acc.Balance
	after := before.Add(m.Delta)
	if after.IsNegative() {
		return nil, nil, fmt.Errorf("account %s balance %s, delta %s: %w", acc.ID, before, m.Delta, models.ErrInsufficientFunds)
	}

	acc.Balance = after
	acc.Version = m.ExpectedVersion + 1
	acc.IntegrityHash = BalanceHash(acc.ID, after, l.cfg.Salt)
	acc.LastActivity = l.timestamp()
	if err := tx.UpdateAccount(ctx, acc, m.ExpectedVersion); err != nil {
		return nil, nil, err
	}

	entry, err := l.Record(ctx, tx, models.EntryBalanceUpdate, acc.ID, m.Delta, m.MatchID, m.Reason, before, after)
	if err != nil {
		return nil, nil, err
	}
	return acc, entry, nil
}

// ApplyLatest applies delta against whatever version tx currently sees. The
// commit still fails if another writer got there first.
func (l *Ledger) ApplyLatest(ctx context.Context, tx store.Tx, id string, delta decimal.Decimal, reason, matchID string) (*models.Account, *models.LedgerEntry, error) {
	acc, err := tx.Account(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return l.Apply(ctx, tx, Mutation{AccountID: id, Delta: delta, ExpectedVersion: acc.Version, Reason: reason, MatchID: matchID})
}

// Record appends a sealed ledger row inside tx.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, typ models.EntryType, accountID string, amount decimal.Decimal, matchID, reason string, before, after decimal.Decimal) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		EntryType:     typ,
		Amount:        amount,
		MatchID:       matchID,
		Reason:        reason,
		BeforeBalance: before,
		AfterBalance:  after,
		CreatedAt:     l.timestamp(),
	}
	e.Hash = EntryHash(e, l.cfg.Salt)
	if err := tx.AppendLedger(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", typ, err)
	}
	return e, nil
}

// VerifyEntry recomputes a ledger row's seal.
func (l *Ledger) VerifyEntry(e *models.LedgerEntry) bool {
	return e.Hash == EntryHash(e, l.cfg.Salt)
}

// Adjust applies delta with bounded retries on conflicts.
func (l *Ledger) Adjust(ctx context.Context, id string, delta decimal.Decimal, reason, matchID string) (*models.Account, error) {
	var out *models.Account
	err := retry.Do(ctx, l.cfg.Retry, "ledger.adjust", nil, func() error {
		return l.store.Atomic(ctx, func(tx store.Tx) error {
			acc, _, err := l.ApplyLatest(ctx, tx, id, delta, reason, matchID)
			out = acc
			return err
		})
	})
	if err != nil {
		l.Escalate(ctx, err)
		return nil, err
	}
	return out, nil
}

// VerifyIntegrity recomputes the balance hash. A mismatch freezes the account.
func (l *Ledger) VerifyIntegrity(ctx context.Context, id string) error {
	acc, err := l.store.Account(ctx, id)
	if err != nil {
		return err
	}
	if acc.IntegrityHash == BalanceHash(acc.ID, acc.Balance, l.cfg.Salt) {
		return nil
	}
	err = &models.IntegrityError{AccountID: id}
	l.Escalate(ctx, err)
	return err
}

// Escalate freezes the account named by an IntegrityError and writes the audit
// trail. Other errors are ignored.
func (l *Ledger) Escalate(ctx context.Context, err error) {
	var ie *models.IntegrityError
	if !errors.As(err, &ie) {
		return
	}
	metrics.IntegrityViolations.Inc()
	l.log.Errorw("balance hash mismatch; freezing account", "account_id", ie.AccountID)
	l.audit(ctx, &models.AuditEvent{Kind: models.AuditIntegrityViolation, AccountID: ie.AccountID})
	if ferr := l.Freeze(ctx, ie.AccountID, "integrity hash mismatch"); ferr != nil {
		l.log.Errorw("freeze failed", "account_id", ie.AccountID, "error", ferr)
	}
}

// Freeze blocks all balance mutation on the account until manual review.
func (l *Ledger) Freeze(ctx context.Context, id, reason string) error {
	if err := l.store.SetFrozen(ctx, id, true, reason); err != nil {
		return fmt.Errorf("freeze %s: %w", id, err)
	}
	l.audit(ctx, &models.AuditEvent{Kind: models.AuditAccountFrozen, AccountID: id, Details: map[string]any{"reason": reason}})
	return nil
}

// Unfreeze lifts a freeze after review. With reseal set, the current balance is
// accepted as correct and re-hashed; that decision is recorded with the admin id.
func (l *Ledger) Unfreeze(ctx context.Context, id, adminID string, reseal bool) error {
	if err := l.store.SetFrozen(ctx, id, false, ""); err != nil {
		return fmt.Errorf("unfreeze %s: %w", id, err)
	}
	if reseal {
		err := retry.Do(ctx, l.cfg.Retry, "ledger.reseal", nil, func() error {
			return l.store.Atomic(ctx, func(tx store.Tx) error {
				acc, err := tx.Account(ctx, id)
				if err != nil {
					return err
				}
				expected := acc.Version
				acc.Version++
				acc.IntegrityHash = BalanceHash(acc.ID, acc.Balance, l.cfg.Salt)
				acc.LastActivity = l.timestamp()
				if err := tx.UpdateAccount(ctx, acc, expected); err != nil {
					return err
				}
				_, err = l.Record(ctx, tx, models.EntryBalanceUpdate, id, decimal.Zero, "", "integrity reseal by "+adminID, acc.Balance, acc.Balance)
				return err
			})
		})
		if err != nil {
			return fmt.Errorf("reseal %s: %w", id, err)
		}
	}
	l.audit(ctx, &models.AuditEvent{Kind: models.AuditAccountUnfrozen, AccountID: id, Details: map[string]any{"admin": adminID, "reseal": reseal}})
	return nil
}

// Deposit credits an externally funded amount and records a CREDIT row.
func (l *Ledger) Deposit(ctx context.Context, id string, amount decimal.Decimal, reference string) (*models.LedgerEntry, error) {
	if !ValidAmount(amount) {
		return nil, models.ErrInvalidAmount
	}
	return l.transfer(ctx, id, amount, models.EntryCredit, "deposit "+reference)
}

// Withdraw debits amount and records a REDEMPTION row. It is refused while
// reconciliation reports unresolved drift.
func (l *Ledger) Withdraw(ctx context.Context, id string, amount decimal.Decimal, reference string) (*models.LedgerEntry, error) {
	if !ValidAmount(amount) {
		return nil, models.ErrInvalidAmount
	}
	if l.gate != nil {
		if err := l.gate.AllowWithdrawal(ctx); err != nil {
			l.audit(ctx, &models.AuditEvent{Kind: models.AuditWithdrawalBlocked, AccountID: id, Details: map[string]any{"amount": amount.String()}})
			return nil, err
		}
	}
	return l.transfer(ctx, id, amount.Neg(), models.EntryRedemption, "withdrawal "+reference)
}

func (l *Ledger) transfer(ctx context.Context, id string, delta decimal.Decimal, typ models.EntryType, reason string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := retry.Do(ctx, l.cfg.Retry, "ledger."+string(typ), nil, func() error {
		return l.store.Atomic(ctx, func(tx store.Tx) error {
			acc, upd, err := l.ApplyLatest(ctx, tx, id, delta, reason, "")
			if err != nil {
				return err
			}
			entry, err = l.Record(ctx, tx, typ, id, delta.Abs(), "", reason, upd.BeforeBalance, acc.Balance)
			return err
		})
	})
	if err != nil {
		l.Escalate(ctx, err)
		return nil, err
	}
	l.log.Infow("ledger entry recorded", "account_id", id, "type", typ, "amount", delta.Abs().String())
	return entry, nil
}

func (l *Ledger) audit(ctx context.Context, ev *models.AuditEvent) {
	if err := l.store.AppendAudit(ctx, ev); err != nil {
		l.log.Errorw("audit append failed", "kind", ev.Kind, "error", err)
	}
}
