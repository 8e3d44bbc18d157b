// Package schedule provides deadline tokens: a callback bound to a deadline
// that can be cancelled until it fires. Manual drives them in tests without
// waiting on the wall clock.
package schedule

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Scheduler interface {
	Now() time.Time
	// At runs fn once at deadline unless the returned token is cancelled first.
	At(deadline time.Time, fn func(ctx context.Context)) *Token
}

const (
	pending int32 = iota
	fired
	cancelled
)

// Token is a cancellable pending deadline.
type Token struct {
	deadline time.Time
	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	stop     func() bool
}

func newToken(deadline time.Time) *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{deadline: deadline, ctx: ctx, cancel: cancel}
}

func (t *Token) Deadline() time.Time { return t.deadline }

// Cancel stops the token. It reports true if the callback had not fired.
func (t *Token) Cancel() bool {
	if !t.state.CompareAndSwap(pending, cancelled) {
		return false
	}
	t.cancel()
	if t.stop != nil {
		t.stop()
	}
	return true
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

func (t *Token) fire(fn func(ctx context.Context)) {
	if !t.state.CompareAndSwap(pending, fired) {
		return
	}
	fn(t.ctx)
}

// Real schedules on the runtime timer.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) At(deadline time.Time, fn func(ctx context.Context)) *Token {
	t := newToken(deadline)
	timer := time.AfterFunc(time.Until(deadline), func() { t.fire(fn) })
	t.stop = timer.Stop
	return t
}

// Manual is a virtual clock. Callbacks run synchronously inside Advance.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	queue []manualEntry
}

type manualEntry struct {
	token *Token
	fn    func(ctx context.Context)
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) At(deadline time.Time, fn func(ctx context.Context)) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := newToken(deadline)
	m.queue = append(m.queue, manualEntry{token: t, fn: fn})
	return t
}

// Advance moves the clock forward by d and fires every due callback in
// deadline order. Callbacks may schedule further deadlines.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.queue, func(i, j int) bool {
			return m.queue[i].token.deadline.Before(m.queue[j].token.deadline)
		})
		if len(m.queue) == 0 || m.queue[0].token.deadline.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.token.deadline.After(m.now) {
			m.now = next.token.deadline
		}
		m.mu.Unlock()

		next.token.fire(next.fn)
	}
}

// Pending counts tokens that have neither fired nor been cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.queue {
		if e.token.state.Load() == pending {
			n++
		}
	}
	return n
}
