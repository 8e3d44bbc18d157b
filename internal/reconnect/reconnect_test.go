package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/schedule"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/playmatatu/arbiter/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const grace = 30 * time.Second

func setup(t *testing.T, p Penalties) (*Manager, *schedule.Manual, *memory.Store) {
	st := memory.New()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		err := st.Atomic(ctx, func(tx store.Tx) error {
			return tx.CreateAccount(ctx, &models.Account{ID: id, Version: 1, TrustScore: 50})
		})
		require.NoError(t, err)
	}
	log := zaptest.NewLogger(t).Sugar()
	clock := schedule.NewManual(time.Unix(1_700_000_000, 0))
	return NewManager(clock, grace, trust.NewTracker(st, log), p, log), clock, st
}

func score(t *testing.T, st *memory.Store, id string) int {
	acc, err := st.Account(context.Background(), id)
	require.NoError(t, err)
	return acc.TrustScore
}

func TestExpiryAppliesLosingPenalty(t *testing.T) {
	m, clock, st := setup(t, Penalties{Neutral: 5, Losing: 15})
	var got []Expiry
	m.OnExpire(func(_ context.Context, e Expiry) { got = append(got, e) })

	m.RegisterDisconnect("alice", "m1", "scorerace", Snapshot{Scores: map[string]int{"alice": 1, "bob": 4}})

	clock.Advance(grace - time.Second)
	assert.Empty(t, got)

	clock.Advance(time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "m1", got[0].MatchID)
	assert.True(t, got[0].Behind)
	assert.Equal(t, 15, got[0].Penalty)
	assert.Equal(t, 35, score(t, st, "alice"))

	_, err := m.AttemptReconnect(context.Background(), "alice")
	assert.ErrorIs(t, err, models.ErrNotDisconnected)
}

func TestExpiryNeutralPenaltyPerGame(t *testing.T) {
	m, clock, st := setup(t, Penalties{Neutral: 5, Losing: 15, PerGame: map[string]GamePenalty{"chess": {Losing: 30, Neutral: 20}}})
	m.RegisterDisconnect("alice", "m1", "chess", Snapshot{Scores: map[string]int{"alice": 2, "bob": 2}})
	clock.Advance(grace)
	assert.Equal(t, 30, score(t, st, "alice"))
}

func TestReconnectWithinGrace(t *testing.T) {
	m, clock, st := setup(t, Penalties{Neutral: 5, Losing: 15, ReconnectBonus: 2})
	expired := false
	m.OnExpire(func(context.Context, Expiry) { expired = true })

	deadline := m.RegisterDisconnect("alice", "m1", "scorerace", Snapshot{})
	again := m.RegisterDisconnect("alice", "m1", "scorerace", Snapshot{})
	assert.Equal(t, deadline, again, "repeat disconnect keeps the original deadline")

	matchID, _, ok := m.Pending("alice")
	require.True(t, ok)
	assert.Equal(t, "m1", matchID)

	clock.Advance(10 * time.Second)
	matchID, err := m.AttemptReconnect(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "m1", matchID)
	assert.Equal(t, 52, score(t, st, "alice"))

	clock.Advance(time.Minute)
	assert.False(t, expired)
	assert.Zero(t, clock.Pending())
}

func TestCancelMatchDropsWithoutPenalty(t *testing.T) {
	m, clock, st := setup(t, Penalties{Neutral: 5, Losing: 15})
	m.RegisterDisconnect("alice", "m1", "scorerace", Snapshot{})
	m.RegisterDisconnect("bob", "m1", "scorerace", Snapshot{})

	m.CancelMatch("m1")
	clock.Advance(time.Minute)

	assert.Equal(t, 50, score(t, st, "alice"))
	assert.Equal(t, 50, score(t, st, "bob"))
	_, _, ok := m.Pending("bob")
	assert.False(t, ok)
}

func TestParsePerGame(t *testing.T) {
	got, err := ParsePerGame("chess:30:20, pool:10:0")
	require.NoError(t, err)
	assert.Equal(t, GamePenalty{Losing: 30, Neutral: 20}, got["chess"])
	assert.Equal(t, GamePenalty{Losing: 10, Neutral: 0}, got["pool"])

	empty, err := ParsePerGame("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"chess:30", "chess:x:1", "chess:-1:2"} {
		_, err := ParsePerGame(bad)
		assert.Error(t, err, bad)
	}
}

func TestSnapshotBehind(t *testing.T) {
	s := Snapshot{Scores: map[string]int{"a": 3, "b": 5}}
	assert.True(t, s.Behind("a"))
	assert.False(t, s.Behind("b"))
	assert.False(t, Snapshot{}.Behind("a"))
}
