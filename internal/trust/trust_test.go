package trust

import (
	"context"
	"testing"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTracker(t *testing.T, ids ...string) (*Tracker, *memory.Store) {
	st := memory.New()
	ctx := context.Background()
	for _, id := range ids {
		err := st.Atomic(ctx, func(tx store.Tx) error {
			return tx.CreateAccount(ctx, &models.Account{ID: id, Version: 1, TrustScore: 100})
		})
		require.NoError(t, err)
	}
	return NewTracker(st, zaptest.NewLogger(t).Sugar()), st
}

func TestAdjustClampsAndAudits(t *testing.T) {
	tr, st := newTracker(t, "alice")
	ctx := context.Background()

	score, err := tr.Adjust(ctx, "alice", 10, "bonus")
	require.NoError(t, err)
	assert.Equal(t, MaxScore, score)

	score, err = tr.Adjust(ctx, "alice", -500, "abandon")
	require.NoError(t, err)
	assert.Equal(t, MinScore, score)

	got, err := tr.Score(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, MinScore, got)

	evs, err := st.AuditEvents(ctx, models.AuditTrustAdjusted, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestAdjustUnknownAndBot(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Adjust(ctx, "ghost", -1, "x")
	assert.ErrorIs(t, err, models.ErrNotFound)

	score, err := tr.Adjust(ctx, models.BotAccountID, -50, "x")
	require.NoError(t, err)
	assert.Equal(t, MaxScore, score)
}

func TestFloor(t *testing.T) {
	f := Floor{MinToQueue: 20, HighStake: decimal.NewFromInt(50), MinHighStake: 60}
	ctx := context.Background()

	assert.NoError(t, f.Allow(ctx, "u", 20, decimal.NewFromInt(5)))
	assert.ErrorIs(t, f.Allow(ctx, "u", 19, decimal.NewFromInt(5)), models.ErrNotEligible)
	assert.ErrorIs(t, f.Allow(ctx, "u", 59, decimal.NewFromInt(50)), models.ErrNotEligible)
	assert.NoError(t, f.Allow(ctx, "u", 60, decimal.NewFromInt(50)))

	noHigh := Floor{MinToQueue: 0}
	assert.NoError(t, noHigh.Allow(ctx, "u", 0, decimal.NewFromInt(1000)))
	assert.NoError(t, AllowAll{}.Allow(ctx, "u", MinScore, decimal.NewFromInt(1000)))
}
