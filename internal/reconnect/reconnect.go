// Package reconnect tracks participants who dropped out of an ACTIVE match and
// either resumes them within the grace window or hands them to forfeiture.
package reconnect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/schedule"
	"github.com/playmatatu/arbiter/internal/trust"
	"go.uber.org/zap"
)

// Snapshot is the last known match state at disconnect time.
type Snapshot struct {
	Scores     map[string]int
	State      any
	CapturedAt time.Time
}

// Behind reports whether userID trailed any opponent.
func (s Snapshot) Behind(userID string) bool {
	own := s.Scores[userID]
	for id, score := range s.Scores {
		if id != userID && score > own {
			return true
		}
	}
	return false
}

type GamePenalty struct {
	Losing  int
	Neutral int
}

// Penalties are trust deductions (positive magnitudes) on forfeiture.
type Penalties struct {
	Neutral        int
	Losing         int
	PerGame        map[string]GamePenalty
	ReconnectBonus int
}

func (p Penalties) For(gameType string, behind bool) int {
	g, ok := p.PerGame[gameType]
	if !ok {
		g = GamePenalty{Losing: p.Losing, Neutral: p.Neutral}
	}
	if behind {
		return g.Losing
	}
	return g.Neutral
}

// ParsePerGame reads "game:losing:neutral,...".
func ParsePerGame(s string) (map[string]GamePenalty, error) {
	out := make(map[string]GamePenalty)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		f := strings.Split(strings.TrimSpace(part), ":")
		if len(f) != 3 {
			return nil, fmt.Errorf("penalty %q: expected game:losing:neutral", part)
		}
		losing, err1 := strconv.Atoi(f[1])
		neutral, err2 := strconv.Atoi(f[2])
		if err1 != nil || err2 != nil || losing < 0 || neutral < 0 {
			return nil, fmt.Errorf("penalty %q: invalid magnitude", part)
		}
		out[f[0]] = GamePenalty{Losing: losing, Neutral: neutral}
	}
	return out, nil
}

// Expiry is handed to the forfeiture path when a grace window lapses.
type Expiry struct {
	UserID         string
	MatchID        string
	GameType       string
	Snapshot       Snapshot
	Behind         bool
	Penalty        int
	DisconnectedAt time.Time
}

type disconnect struct {
	userID   string
	matchID  string
	gameType string
	snap     Snapshot
	at       time.Time
	token    *schedule.Token
}

type Manager struct {
	sched     schedule.Scheduler
	grace     time.Duration
	trust     *trust.Tracker
	penalties Penalties
	log       *zap.SugaredLogger

	mu       sync.Mutex
	pending  map[string]*disconnect
	onExpire func(ctx context.Context, e Expiry)
}

func NewManager(sched schedule.Scheduler, grace time.Duration, tr *trust.Tracker, p Penalties, log *zap.SugaredLogger) *Manager {
	return &Manager{
		sched:     sched,
		grace:     grace,
		trust:     tr,
		penalties: p,
		log:       log.Named("reconnect"),
		pending:   make(map[string]*disconnect),
	}
}

// OnExpire sets the forfeiture handler.
func (m *Manager) OnExpire(fn func(ctx context.Context, e Expiry)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// RegisterDisconnect records the snapshot and arms the grace deadline. A
// repeated disconnect for the same match keeps the original deadline.
func (m *Manager) RegisterDisconnect(userID, matchID, gameType string, snap Snapshot) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.pending[userID]; ok {
		if d.matchID == matchID {
			return d.token.Deadline()
		}
		d.token.Cancel()
	}

	now := m.sched.Now()
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}
	d := &disconnect{userID: userID, matchID: matchID, gameType: gameType, snap: snap, at: now}
	d.token = m.sched.At(now.Add(m.grace), func(ctx context.Context) { m.expire(ctx, d) })
	m.pending[userID] = d

	m.log.Infow("participant disconnected", "user_id", userID, "match_id", matchID, "deadline", d.token.Deadline())
	return d.token.Deadline()
}

// AttemptReconnect resumes the user's match if the grace window is still open.
func (m *Manager) AttemptReconnect(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	d, ok := m.pending[userID]
	if !ok {
		m.mu.Unlock()
		return "", models.ErrNotDisconnected
	}
	if !m.sched.Now().Before(d.token.Deadline()) || !d.token.Cancel() {
		m.mu.Unlock()
		return "", fmt.Errorf("reconnect %s to %s: %w", userID, d.matchID, models.ErrGraceExpired)
	}
	delete(m.pending, userID)
	m.mu.Unlock()

	if m.penalties.ReconnectBonus > 0 {
		if _, err := m.trust.Adjust(ctx, userID, m.penalties.ReconnectBonus, "reconnected within grace window"); err != nil {
			m.log.Warnw("reconnect bonus failed", "user_id", userID, "error", err)
		}
	}
	m.log.Infow("participant reconnected", "user_id", userID, "match_id", d.matchID)
	return d.matchID, nil
}

// CancelMatch drops every pending disconnect for a match without penalty.
func (m *Manager) CancelMatch(matchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for user, d := range m.pending {
		if d.matchID == matchID {
			d.token.Cancel()
			delete(m.pending, user)
		}
	}
}

// Pending returns the match and deadline of a user's open disconnect.
func (m *Manager) Pending(userID string) (string, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.pending[userID]
	if !ok {
		return "", time.Time{}, false
	}
	return d.matchID, d.token.Deadline(), true
}

func (m *Manager) expire(ctx context.Context, d *disconnect) {
	m.mu.Lock()
	if m.pending[d.userID] != d {
		m.mu.Unlock()
		return
	}
	delete(m.pending, d.userID)
	handler := m.onExpire
	m.mu.Unlock()

	behind := d.snap.Behind(d.userID)
	penalty := m.penalties.For(d.gameType, behind)
	kind := "neutral"
	if behind {
		kind = "losing"
	}
	if _, err := m.trust.Adjust(ctx, d.userID, -penalty, "disconnect forfeit ("+kind+")"); err != nil {
		m.log.Warnw("forfeit penalty failed", "user_id", d.userID, "error", err)
	}

	m.log.Infow("grace window expired", "user_id", d.userID, "match_id", d.matchID, "behind", behind, "penalty", penalty)
	if handler != nil {
		handler(ctx, Expiry{
			UserID:         d.userID,
			MatchID:        d.matchID,
			GameType:       d.gameType,
			Snapshot:       d.snap,
			Behind:         behind,
			Penalty:        penalty,
			DisconnectedAt: d.at,
		})
	}
}
