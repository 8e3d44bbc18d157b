// Package trust tracks the bounded reputation score driven by disconnect and
// forfeit behaviour, and the pluggable queue eligibility policies that read it.
package trust

import (
	"context"
	"fmt"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MinScore = -100
	MaxScore = 100
)

type Tracker struct {
	store store.Store
	log   *zap.SugaredLogger
}

func NewTracker(st store.Store, log *zap.SugaredLogger) *Tracker {
	return &Tracker{store: st, log: log.Named("trust")}
}

// Adjust moves the score by delta, clamped to [MinScore, MaxScore], and
// returns the new score.
func (t *Tracker) Adjust(ctx context.Context, userID string, delta int, reason string) (int, error) {
	if userID == models.BotAccountID {
		return MaxScore, nil
	}
	score, err := t.store.AdjustTrust(ctx, userID, delta, MinScore, MaxScore)
	if err != nil {
		return 0, fmt.Errorf("adjust trust for %s: %w", userID, err)
	}
	t.log.Infow("trust adjusted", "user_id", userID, "delta", delta, "score", score, "reason", reason)
	if err := t.store.AppendAudit(ctx, &models.AuditEvent{
		Kind:      models.AuditTrustAdjusted,
		AccountID: userID,
		Details:   map[string]any{"delta": delta, "score": score, "reason": reason},
	}); err != nil {
		t.log.Warnw("audit append failed", "user_id", userID, "error", err)
	}
	return score, nil
}

func (t *Tracker) Score(ctx context.Context, userID string) (int, error) {
	acc, err := t.store.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.TrustScore, nil
}

// Eligibility decides whether a user may queue for a stake.
type Eligibility interface {
	Allow(ctx context.Context, userID string, score int, stake decimal.Decimal) error
}

// AllowAll admits everyone.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string, int, decimal.Decimal) error { return nil }

// Floor requires a minimum score to queue, and a higher one at or above a
// high-stake threshold. A zero HighStake disables the second check.
type Floor struct {
	MinToQueue   int
	HighStake    decimal.Decimal
	MinHighStake int
}

func (f Floor) Allow(_ context.Context, userID string, score int, stake decimal.Decimal) error {
	if score < f.MinToQueue {
		return fmt.Errorf("trust %d below %d for %s: %w", score, f.MinToQueue, userID, models.ErrNotEligible)
	}
	if f.HighStake.IsPositive() && stake.GreaterThanOrEqual(f.HighStake) && score < f.MinHighStake {
		return fmt.Errorf("trust %d below %d for stake %s: %w", score, f.MinHighStake, stake, models.ErrNotEligible)
	}
	return nil
}
