// Package reconcile compares the ledger-derived expected vault with the sum of
// account balances on a timer, off the match hot path.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const leaseKey = "lease:reconciliation"

type Config struct {
	Interval      time.Duration
	WarnTolerance decimal.Decimal // |drift| up to this is a WARNING
	CriticalAfter int             // consecutive drifting runs before CRITICAL
	GapRetention  int             // runs to wait for an unseen ledger sequence
}

// Leaser keeps a single worker active across instances.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Worker struct {
	store store.Store
	cfg   Config
	lease Leaser
	log   *zap.SugaredLogger
	now   func() time.Time

	mu     sync.Mutex
	gapAge map[int64]int
}

// NewWorker builds a worker. lease may be nil for a single instance.
func NewWorker(st store.Store, cfg Config, lease Leaser, log *zap.SugaredLogger) *Worker {
	if cfg.CriticalAfter < 1 {
		cfg.CriticalAfter = 3
	}
	if cfg.GapRetention < 1 {
		cfg.GapRetention = 10
	}
	return &Worker{
		store:  st,
		cfg:    cfg,
		lease:  lease,
		log:    log.Named("reconcile"),
		now:    time.Now,
		gapAge: make(map[int64]int),
	}
}

// Run checkpoints every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Interval <= 0 {
		w.log.Info("reconciliation worker disabled")
		return nil
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.log.Infow("reconciliation worker started", "interval", w.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			w.log.Info("reconciliation worker stopping")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.lease != nil {
		release, ok, err := w.lease.Acquire(ctx, leaseKey, w.cfg.Interval)
		if err != nil {
			w.log.Warnw("lease acquire failed", "error", err)
			return
		}
		if !ok {
			return
		}
		defer release()
	}
	if _, err := w.Checkpoint(ctx); err != nil {
		w.log.Errorw("checkpoint failed", "error", err)
	}
}

// Checkpoint appends one reconciliation record covering the ledger window
// since the previous checkpoint.
func (w *Worker) Checkpoint(ctx context.Context) (*models.ReconciliationCheckpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev, err := w.store.LatestCheckpoint(ctx)
	if errors.Is(err, models.ErrNotFound) {
		prev = &models.ReconciliationCheckpoint{ExpectedVault: decimal.Zero, FeesCollected: decimal.Zero}
	} else if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	snap, err := w.store.Snapshot(ctx, prev.LedgerCursor, prev.PendingSeqs)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	expected := prev.ExpectedVault.Add(snap.LedgerDelta)
	drift := snap.BalanceSum.Sub(expected)
	c := &models.ReconciliationCheckpoint{
		CreatedAt:       w.now().UTC(),
		ExpectedVault:   expected,
		ActualSum:       snap.BalanceSum,
		Drift:           drift,
		TotalHeld:       snap.HeldSum,
		FeesCollected:   prev.FeesCollected.Add(snap.RakeDelta),
		AccountsCounted: snap.Accounts,
		LedgerCursor:    snap.Cursor,
		PendingSeqs:     w.retainGaps(snap.PendingSeqs),
	}
	switch {
	case drift.IsZero():
		c.Status = models.CheckpointSuccess
	default:
		c.ConsecutiveDrift = prev.ConsecutiveDrift + 1
		c.Status = models.CheckpointWarning
		if drift.Abs().GreaterThan(w.cfg.WarnTolerance) || c.ConsecutiveDrift >= w.cfg.CriticalAfter {
			c.Status = models.CheckpointCritical
		}
	}

	if err := w.store.AppendCheckpoint(ctx, c); err != nil {
		return nil, fmt.Errorf("append checkpoint: %w", err)
	}

	d, _ := drift.Float64()
	metrics.Drift.Set(d)
	metrics.Checkpoints.WithLabelValues(string(c.Status)).Inc()

	fields := []any{
		"checkpoint_id", c.ID, "status", c.Status, "expected", expected.String(), "actual", snap.BalanceSum.String(),
		"drift", drift.String(), "held", snap.HeldSum.String(), "entries", snap.EntriesCounted,
	}
	switch c.Status {
	case models.CheckpointSuccess:
		w.log.Debugw("reconciliation checkpoint", fields...)
	case models.CheckpointWarning:
		w.log.Warnw("reconciliation drift", fields...)
	default:
		w.log.Errorw("reconciliation mismatch; withdrawals blocked", fields...)
		if err := w.store.AppendAudit(ctx, &models.AuditEvent{Kind: models.AuditReconciliation, Details: map[string]any{
			"checkpoint_id": c.ID,
			"expected":      expected.String(),
			"actual":        snap.BalanceSum.String(),
			"drift":         drift.String(),
			"consecutive":   c.ConsecutiveDrift,
		}}); err != nil {
			w.log.Errorw("audit append failed", "error", err)
		}
	}
	return c, nil
}

// retainGaps ages unseen ledger sequence numbers and drops those that stayed
// missing for GapRetention runs; their transactions rolled back.
func (w *Worker) retainGaps(pending []int64) []int64 {
	next := make(map[int64]int, len(pending))
	out := make([]int64, 0, len(pending))
	for _, seq := range pending {
		age := w.gapAge[seq] + 1
		if age > w.cfg.GapRetention {
			continue
		}
		next[seq] = age
		out = append(out, seq)
	}
	w.gapAge = next
	return out
}

// Clear marks every open CRITICAL checkpoint up to id as reviewed and
// re-baselines on the latest actual sum so the accepted drift does not
// re-trigger. id itself must be an open CRITICAL checkpoint.
func (w *Worker) Clear(ctx context.Context, id int64, adminID string) (*models.ReconciliationCheckpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	target, err := w.store.Checkpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Status != models.CheckpointCritical || target.ClearedAt != nil {
		return nil, fmt.Errorf("clear checkpoint %d in %s (cleared %t): %w",
			id, target.Status, target.ClearedAt != nil, models.ErrInvalidTransition)
	}
	if err := w.store.ClearCheckpoint(ctx, id, adminID); err != nil {
		return nil, err
	}
	latest, err := w.store.LatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	base := &models.ReconciliationCheckpoint{
		CreatedAt:       w.now().UTC(),
		ExpectedVault:   latest.ActualSum,
		ActualSum:       latest.ActualSum,
		Drift:           decimal.Zero,
		Status:          models.CheckpointSuccess,
		TotalHeld:       latest.TotalHeld,
		FeesCollected:   latest.FeesCollected,
		AccountsCounted: latest.AccountsCounted,
		LedgerCursor:    latest.LedgerCursor,
		PendingSeqs:     latest.PendingSeqs,
	}
	if err := w.store.AppendCheckpoint(ctx, base); err != nil {
		return nil, err
	}
	metrics.Drift.Set(0)
	if err := w.store.AppendAudit(ctx, &models.AuditEvent{Kind: models.AuditDriftCleared, Details: map[string]any{
		"checkpoint_id": id,
		"cleared_by":    adminID,
		"accepted":      latest.Drift.String(),
		"baseline_id":   base.ID,
	}}); err != nil {
		w.log.Errorw("audit append failed", "error", err)
	}
	w.log.Infow("reconciliation cleared", "checkpoint_id", id, "admin_id", adminID, "accepted_drift", latest.Drift.String())
	return base, nil
}

// Gate blocks withdrawals while an uncleared CRITICAL checkpoint exists.
// Match settlement and escrow are not affected.
type Gate struct {
	store store.Store
}

func NewGate(st store.Store) *Gate {
	return &Gate{store: st}
}

func (g *Gate) AllowWithdrawal(ctx context.Context) error {
	c, err := g.store.OpenCritical(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check reconciliation state: %w", err)
	}
	return fmt.Errorf("checkpoint %d drift %s: %w", c.ID, c.Drift, models.ErrWithdrawalsBlocked)
}
