// Package events carries match lifecycle notifications from the state machine
// to websocket rooms, possibly on other instances.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeQueued         = "queued"
	TypeMatchFound     = "match_found"
	TypeMatchDenied    = "match_denied"
	TypeLocked         = "match_locked"
	TypeStarted        = "match_started"
	TypeState          = "match_state"
	TypeDisconnected   = "player_disconnected"
	TypeReconnected    = "player_reconnected"
	TypeSettled        = "match_settled"
	TypeDisputed       = "match_disputed"
	TypeVoided         = "match_voided"
	TypeForfeited      = "match_forfeited"
	TypeQueueCancelled = "queue_cancelled"
)

// Event is delivered to everyone in the MatchID room and, when UserID is set,
// to that user as well.
type Event struct {
	Type    string         `json:"type"`
	MatchID string         `json:"match_id,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers events to fn until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(Event)) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Memory delivers synchronously to in-process subscribers.
type Memory struct {
	mu       sync.RWMutex
	handlers map[int]func(Event)
	next     int
}

func NewMemory() *Memory {
	return &Memory{handlers: make(map[int]func(Event))}
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.mu.RLock()
	hs := make([]func(Event), 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, fn func(Event)) error {
	m.mu.Lock()
	id := m.next
	m.next++
	m.handlers[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Memory) Close() error { return nil }

// Recorder is a Publisher that keeps every event, for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types for one match, in order.
func (r *Recorder) Types(matchID string) []string {
	var out []string
	for _, ev := range r.Events() {
		if ev.MatchID == matchID {
			out = append(out, ev.Type)
		}
	}
	return out
}
