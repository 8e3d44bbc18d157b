package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/escrow"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type fixture struct {
	st     *memory.Store
	ledger *accounts.Ledger
	escrow *escrow.Manager
	engine *Engine
}

func newFixture(t testing.TB, starting decimal.Decimal) *fixture {
	st := memory.New()
	log := zaptest.NewLogger(t).Sugar()
	l := accounts.New(st, accounts.Config{
		Salt:            "salt",
		StartingBalance: starting,
		Retry:           retry.Policy{MaxAttempts: 20, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, nil, log)
	esc := escrow.NewManager(l, log)
	_, err := l.InitializeWith(context.Background(), models.HouseAccountID, decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{st: st, ledger: l, escrow: esc, engine: NewEngine(l, esc, nil, log)}
}

// activeMatch opens both accounts, creates an ACTIVE match and locks both stakes.
func (f *fixture) activeMatch(t testing.TB, id, a, b string, stake decimal.Decimal) {
	ctx := context.Background()
	for _, p := range []string{a, b} {
		if _, err := f.ledger.Initialize(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	err := f.st.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateMatch(ctx, &models.Match{
			ID:        id,
			GameType:  "scorerace",
			Players:   [2]string{a, b},
			Stake:     stake,
			Status:    models.MatchActive,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.escrow.LockPair(ctx, a, b, id, stake); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) balance(t testing.TB, id string) decimal.Decimal {
	acc, err := f.ledger.Balance(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return acc.Balance
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSettleWinner(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	f.activeMatch(t, "m1", "A", "B", dec("5"))

	res, err := f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "A", LoserID: "B", Stake: dec("5")})
	require.NoError(t, err)
	assert.True(t, res.Rake.Equal(dec("0.80")), "rake %s", res.Rake)
	assert.True(t, res.Winnings.Equal(dec("9.20")), "winnings %s", res.Winnings)
	assert.Equal(t, "SEED", res.Tier)
	assert.False(t, res.Duplicate)

	assert.True(t, f.balance(t, "A").Equal(dec("14.20")))
	assert.True(t, f.balance(t, "B").Equal(dec("5")))
	assert.True(t, f.balance(t, models.HouseAccountID).Equal(dec("0.80")))

	m, err := f.st.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchSettled, m.Status)
	assert.Equal(t, "A", m.WinnerID)

	err = f.st.Atomic(ctx, func(tx store.Tx) error {
		holds, err := tx.HoldsByMatch(ctx, "m1")
		for _, h := range holds {
			assert.Equal(t, models.HoldReleased, h.State)
		}
		return err
	})
	require.NoError(t, err)

	entries, err := f.st.LedgerByMatch(ctx, "m1")
	require.NoError(t, err)
	var debits, credits, rakes int
	for _, e := range entries {
		switch e.EntryType {
		case models.EntryDebit:
			debits++
		case models.EntryCredit:
			credits++
		case models.EntryRake:
			rakes++
		}
		assert.True(t, f.ledger.VerifyEntry(&e))
	}
	assert.Equal(t, 2, debits)
	assert.Equal(t, 1, credits)
	assert.Equal(t, 1, rakes)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	f.activeMatch(t, "m1", "A", "B", dec("5"))
	req := Request{MatchID: "m1", WinnerID: "A", LoserID: "B", Stake: dec("5")}

	first, err := f.engine.Settle(ctx, req)
	require.NoError(t, err)
	second, err := f.engine.Settle(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.True(t, first.Winnings.Equal(second.Winnings))
	assert.True(t, f.balance(t, "A").Equal(dec("14.20")))
	assert.True(t, f.balance(t, models.HouseAccountID).Equal(dec("0.80")))
}

func TestSettleDraw(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	f.activeMatch(t, "m1", "A", "B", dec("5"))

	res, err := f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "A", LoserID: "B", Stake: dec("5"), Draw: true})
	require.NoError(t, err)
	assert.True(t, res.Draw)
	assert.True(t, res.Winnings.Equal(dec("4.60")))
	assert.True(t, f.balance(t, "A").Equal(dec("9.60")))
	assert.True(t, f.balance(t, "B").Equal(dec("9.60")))
	assert.True(t, f.balance(t, models.HouseAccountID).Equal(dec("0.80")))

	m, err := f.st.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, m.WinnerID)
}

func TestSettleForfeitStatus(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	f.activeMatch(t, "m1", "A", "B", dec("5"))

	_, err := f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "B", LoserID: "A", Stake: dec("5"), Forfeit: true})
	require.NoError(t, err)
	m, err := f.st.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchForfeited, m.Status)
}

func TestSettleWithoutHoldsDisputes(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	for _, p := range []string{"A", "B"} {
		_, err := f.ledger.Initialize(ctx, p)
		require.NoError(t, err)
	}
	err := f.st.Atomic(ctx, func(tx store.Tx) error {
		return tx.CreateMatch(ctx, &models.Match{ID: "m1", Players: [2]string{"A", "B"}, Stake: dec("5"), Status: models.MatchValidating})
	})
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "A", LoserID: "B", Stake: dec("5")})
	require.ErrorIs(t, err, models.ErrSettlementFailure)
	assert.ErrorIs(t, err, models.ErrInvalidHoldState)

	assert.True(t, f.balance(t, "A").Equal(dec("10")))
	m, err := f.st.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchDisputed, m.Status)
	assert.True(t, m.DisputeFlag)

	evs, err := f.st.AuditEvents(ctx, models.AuditSettlementFailure, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestSettleRejectsOutsiders(t *testing.T) {
	f := newFixture(t, dec("10"))
	ctx := context.Background()
	f.activeMatch(t, "m1", "A", "B", dec("5"))

	_, err := f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "C", LoserID: "B", Stake: dec("5")})
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	_, err = f.engine.Settle(ctx, Request{MatchID: "m1", WinnerID: "A", LoserID: "B", Stake: dec("6")})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	m, err := f.st.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchActive, m.Status, "rejected requests leave the match alone")
}

func TestSettleConservesMoney(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cents := rapid.Int64Range(1, 100_000).Draw(rt, "stake_cents")
		draw := rapid.Bool().Draw(rt, "draw")
		stake := decimal.New(cents, -2)

		f := newFixture(t, dec("1000"))
		f.activeMatch(t, "m", "A", "B", stake)
		before := f.balance(t, "A").Add(f.balance(t, "B"))

		res, err := f.engine.Settle(context.Background(), Request{MatchID: "m", WinnerID: "A", LoserID: "B", Stake: stake, Draw: draw})
		require.NoError(rt, err)

		after := f.balance(t, "A").Add(f.balance(t, "B")).Add(f.balance(t, models.HouseAccountID))
		require.True(rt, after.Equal(before.Add(stake.Mul(decimal.NewFromInt(2)))),
			"players+house %s, want %s", after, before.Add(stake.Mul(decimal.NewFromInt(2))))
		require.True(rt, f.balance(t, models.HouseAccountID).Equal(res.Rake))
		require.False(rt, res.Rake.IsNegative())
		require.True(rt, res.Rake.Equal(res.Rake.Round(2)))
	})
}
