// Package engine is the contract between the match state machine and the
// per-game authoritative simulators.
package engine

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is an adapter-owned game state value. The state machine never looks
// inside it.
type State any

// Outcome is a terminal result reported by an adapter.
type Outcome struct {
	WinnerID string         `json:"winner_id,omitempty"`
	Draw     bool           `json:"draw"`
	Reason   string         `json:"reason"`
	Scores   map[string]int `json:"scores,omitempty"`
}

type Adapter interface {
	CreateMatch(matchID string, players [2]string) (State, error)
	ApplyInput(state State, playerID string, input json.RawMessage) (State, error)
	Tick(state State, deltaMs int64) (State, bool, *Outcome, error)
}

// Scoreboard is implemented by adapters that can report current scores;
// used to judge whether a disconnecting player was behind.
type Scoreboard interface {
	Scores(state State) map[string]int
}

// Verifier recomputes an outcome from the authoritative state. A non-nil
// error means the reported outcome is inconsistent.
type Verifier interface {
	Verify(state State, outcome *Outcome) error
}

// BotPlayer produces inputs for the fallback computer-controlled opponent.
type BotPlayer interface {
	BotInput(state State, botID string, tick int64) (json.RawMessage, bool)
}

// Registry maps game types to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(gameType string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[gameType] = a
}

func (r *Registry) Get(gameType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[gameType]
	if !ok {
		return nil, fmt.Errorf("no engine registered for game type %q", gameType)
	}
	return a, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
