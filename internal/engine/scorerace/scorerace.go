// Package scorerace is a minimal reference adapter: the first player to reach
// the target score wins; at the time limit the leader wins or the match is
// drawn. Every accepted point is kept in a log so the outcome can be
// recomputed independently.
package scorerace

import (
	"encoding/json"
	"fmt"

	"github.com/playmatatu/arbiter/internal/engine"
)

type Adapter struct {
	Target   int
	LimitMs  int64
	BotEvery int64 // bot scores every BotEvery ticks; 0 disables
}

func New(target int, limitMs int64) *Adapter {
	return &Adapter{Target: target, LimitMs: limitMs, BotEvery: 120}
}

type State struct {
	MatchID   string         `json:"match_id"`
	Players   [2]string      `json:"players"`
	Scores    map[string]int `json:"scores"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Ticks     int64          `json:"ticks"`
	Log       []string       `json:"log"`
	Finished  bool           `json:"finished"`
}

type input struct {
	Action string `json:"action"`
}

var (
	_ engine.Adapter    = (*Adapter)(nil)
	_ engine.Scoreboard = (*Adapter)(nil)
	_ engine.Verifier   = (*Adapter)(nil)
	_ engine.BotPlayer  = (*Adapter)(nil)
)

func (a *Adapter) CreateMatch(matchID string, players [2]string) (engine.State, error) {
	return &State{
		MatchID: matchID,
		Players: players,
		Scores:  map[string]int{players[0]: 0, players[1]: 0},
	}, nil
}

func (a *Adapter) ApplyInput(s engine.State, playerID string, raw json.RawMessage) (engine.State, error) {
	st, err := cast(s)
	if err != nil {
		return s, err
	}
	if st.Finished {
		return st, nil
	}
	if _, ok := st.Scores[playerID]; !ok {
		return st, fmt.Errorf("player %s not in match %s", playerID, st.MatchID)
	}
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return st, fmt.Errorf("decode input: %w", err)
	}
	if in.Action != "score" {
		return st, fmt.Errorf("unknown action %q", in.Action)
	}
	st.Scores[playerID]++
	st.Log = append(st.Log, playerID)
	return st, nil
}

func (a *Adapter) Tick(s engine.State, deltaMs int64) (engine.State, bool, *engine.Outcome, error) {
	st, err := cast(s)
	if err != nil {
		return s, false, nil, err
	}
	if st.Finished {
		return st, true, a.outcome(st), nil
	}
	st.ElapsedMs += deltaMs
	st.Ticks++

	for _, p := range st.Players {
		if st.Scores[p] >= a.Target {
			st.Finished = true
			return st, true, a.outcome(st), nil
		}
	}
	if a.LimitMs > 0 && st.ElapsedMs >= a.LimitMs {
		st.Finished = true
		return st, true, a.outcome(st), nil
	}
	return st, false, nil, nil
}

func (a *Adapter) Scores(s engine.State) map[string]int {
	st, err := cast(s)
	if err != nil {
		return nil
	}
	out := make(map[string]int, len(st.Scores))
	for k, v := range st.Scores {
		out[k] = v
	}
	return out
}

// Verify replays the point log and checks it against the reported outcome.
func (a *Adapter) Verify(s engine.State, o *engine.Outcome) error {
	st, err := cast(s)
	if err != nil {
		return err
	}
	replay := &State{Players: st.Players, Scores: map[string]int{st.Players[0]: 0, st.Players[1]: 0}}
	for _, p := range st.Log {
		replay.Scores[p]++
	}
	want := a.outcome(replay)
	if want.Draw != o.Draw || want.WinnerID != o.WinnerID {
		return fmt.Errorf("reported winner %q draw=%v, replay gives %q draw=%v", o.WinnerID, o.Draw, want.WinnerID, want.Draw)
	}
	return nil
}

func (a *Adapter) BotInput(s engine.State, botID string, tick int64) (json.RawMessage, bool) {
	if a.BotEvery <= 0 || tick == 0 || tick%a.BotEvery != 0 {
		return nil, false
	}
	return json.RawMessage(`{"action":"score"}`), true
}

func (a *Adapter) outcome(st *State) *engine.Outcome {
	p0, p1 := st.Players[0], st.Players[1]
	o := &engine.Outcome{Scores: map[string]int{p0: st.Scores[p0], p1: st.Scores[p1]}, Reason: "time_limit"}
	switch {
	case st.Scores[p0] > st.Scores[p1]:
		o.WinnerID = p0
	case st.Scores[p1] > st.Scores[p0]:
		o.WinnerID = p1
	default:
		o.Draw = true
	}
	if st.Scores[p0] >= a.Target || st.Scores[p1] >= a.Target {
		o.Reason = "score_reached"
	}
	return o
}

func cast(s engine.State) (*State, error) {
	st, ok := s.(*State)
	if !ok {
		return nil, fmt.Errorf("scorerace: unexpected state %T", s)
	}
	return st, nil
}
