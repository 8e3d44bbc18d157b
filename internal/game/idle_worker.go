package game

import (
	"context"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
)

// StartIdleWorker sweeps matches that were left open by a crashed instance.
// A non-final match older than maxAge with no live session here is voided
// with its holds rolled back; one stuck in VALIDATING is disputed so an
// operator decides the payout.
func (m *Machine) StartIdleWorker(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		m.log.Info("idle worker disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Infow("idle worker started", "interval", interval.String(), "max_age", maxAge.String())
	for {
		select {
		case <-ctx.Done():
			m.log.Info("idle worker stopping")
			return
		case <-ticker.C:
			m.SweepOrphans(ctx, maxAge)
		}
	}
}

// SweepOrphans handles open matches created more than maxAge ago that this
// instance is not running. It returns how many were resolved.
func (m *Machine) SweepOrphans(ctx context.Context, maxAge time.Duration) int {
	open, err := m.store.OpenMatches(ctx, m.sched.Now().Add(-maxAge))
	if err != nil {
		m.log.Warnw("list open matches failed", "error", err)
		return 0
	}
	n := 0
	for _, match := range open {
		if m.session(match.ID) != nil {
			continue
		}
		switch match.Status {
		case models.MatchValidating:
			s := &session{match: match}
			m.dispute(ctx, s, "orphaned during validation")
		default:
			if err := m.voidTx(ctx, match.ID, match.Status, "orphaned"); err != nil {
				m.log.Warnw("void orphaned match failed", "match_id", match.ID, "status", match.Status, "error", err)
				continue
			}
			m.audit(ctx, &models.AuditEvent{Kind: models.AuditMatchVoided, MatchID: match.ID,
				Details: map[string]any{"reason": "orphaned", "status": string(match.Status)}})
		}
		m.log.Infow("orphaned match resolved", "match_id", match.ID, "status", match.Status)
		n++
	}
	return n
}
