package scorerace

import (
	"encoding/json"
	"testing"

	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var point = json.RawMessage(`{"action":"score"}`)

func TestFirstToTargetWins(t *testing.T) {
	a := New(3, 0)
	s, err := a.CreateMatch("m1", [2]string{"alice", "bob"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s, err = a.ApplyInput(s, "bob", point)
		require.NoError(t, err)
	}
	s, err = a.ApplyInput(s, "alice", point)
	require.NoError(t, err)

	s, done, out, err := a.Tick(s, 16)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "bob", out.WinnerID)
	assert.Equal(t, "score_reached", out.Reason)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 3}, a.Scores(s))
	assert.NoError(t, a.Verify(s, out))

	// Inputs after the finish are ignored.
	s, err = a.ApplyInput(s, "alice", point)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Scores(s)["alice"])
}

func TestTimeLimitDraw(t *testing.T) {
	a := New(10, 100)
	s, _ := a.CreateMatch("m1", [2]string{"alice", "bob"})

	var (
		done bool
		out  *engine.Outcome
		err  error
	)
	for i := 0; i < 10 && !done; i++ {
		s, done, out, err = a.Tick(s, 16)
		require.NoError(t, err)
	}
	require.True(t, done)
	assert.True(t, out.Draw)
	assert.Equal(t, "time_limit", out.Reason)
}

func TestRejectsBadInput(t *testing.T) {
	a := New(3, 0)
	s, _ := a.CreateMatch("m1", [2]string{"alice", "bob"})

	_, err := a.ApplyInput(s, "mallory", point)
	assert.Error(t, err)
	_, err = a.ApplyInput(s, "alice", json.RawMessage(`{"action":"teleport"}`))
	assert.Error(t, err)
	_, err = a.ApplyInput(s, "alice", json.RawMessage(`not json`))
	assert.Error(t, err)
	_, _, _, err = a.Tick("not a state", 16)
	assert.Error(t, err)
}

func TestVerifyCatchesForgedOutcome(t *testing.T) {
	a := New(2, 0)
	s, _ := a.CreateMatch("m1", [2]string{"alice", "bob"})
	s, _ = a.ApplyInput(s, "alice", point)
	s, _ = a.ApplyInput(s, "alice", point)

	assert.Error(t, a.Verify(s, &engine.Outcome{WinnerID: "bob"}))
	assert.Error(t, a.Verify(s, &engine.Outcome{Draw: true}))
	assert.NoError(t, a.Verify(s, &engine.Outcome{WinnerID: "alice"}))
}

func TestBotInputCadence(t *testing.T) {
	a := New(3, 0)
	a.BotEvery = 5
	_, ok := a.BotInput(nil, "BOT", 0)
	assert.False(t, ok)
	_, ok = a.BotInput(nil, "BOT", 4)
	assert.False(t, ok)
	in, ok := a.BotInput(nil, "BOT", 10)
	assert.True(t, ok)
	assert.JSONEq(t, `{"action":"score"}`, string(in))
}

func TestRegistry(t *testing.T) {
	r := engine.NewRegistry()
	r.Register("scorerace", New(3, 0))
	_, err := r.Get("scorerace")
	assert.NoError(t, err)
	_, err = r.Get("chess")
	assert.Error(t, err)
	assert.Equal(t, []string{"scorerace"}, r.Types())
}
