// Package game runs the match lifecycle: queueing, pairing, escrow, the
// authoritative simulation loop, disconnect handling and final settlement.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/escrow"
	"github.com/playmatatu/arbiter/internal/events"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/metrics"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/reconnect"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/schedule"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/trust"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	DefaultStake  decimal.Decimal
	QueueFallback time.Duration // bot opponent after this long in queue; 0 disables
	ReadyTimeout  time.Duration
	TickInterval  time.Duration
	AutoTick      bool // run a ticker goroutine per ACTIVE match
	BotEnabled    bool
	Void          VoidPolicy

	// LagSwitchPenalty is the trust deducted when a disconnect is classified
	// as deliberate. 0 disables.
	LagSwitchPenalty int
}

// PairCheck may veto pairing two queued players.
type PairCheck interface {
	CheckPair(ctx context.Context, a, b string) error
}

// DisconnectClassifier judges whether a dropped connection was deliberate.
type DisconnectClassifier interface {
	Classify(userID string) fairplay.Verdict
}

// VetoError is a pairing refused by the PairCheck. UserID left the queue; the
// other player went back to its head.
type VetoError struct {
	UserID string
	Err    error
}

func (e *VetoError) Error() string { return "pairing vetoed for " + e.UserID + ": " + e.Err.Error() }
func (e *VetoError) Unwrap() error { return e.Err }

// Deps are the collaborators a Machine drives.
type Deps struct {
	Ledger      *accounts.Ledger
	Escrow      *escrow.Manager
	Settlement  *settlement.Engine
	Reconnect   *reconnect.Manager
	Trust       *trust.Tracker
	Eligibility trust.Eligibility
	Engines     *engine.Registry
	Queue       Queue
	Scheduler   schedule.Scheduler
	Events      events.Publisher
	PairCheck   PairCheck            // optional
	Classifier  DisconnectClassifier // optional
}

// Ticket describes where a user stands after joining the queue.
type Ticket struct {
	Status   models.MatchStatus `json:"status"`
	MatchID  string             `json:"match_id,omitempty"`
	GameType string             `json:"game_type"`
	Stake    decimal.Decimal    `json:"stake"`
	QueuedAt time.Time          `json:"queued_at"`
}

type session struct {
	mu           sync.Mutex
	match        models.Match
	adapter      engine.Adapter
	state        engine.State
	ready        map[string]bool
	disconnected map[string]bool
	readyTimer   *schedule.Token
	stop         context.CancelFunc
	active       bool
	tick         int64
}

func (s *session) done() bool { return s.match.Status.Terminal() }

// Machine is the MatchStateMachine. Every transition of a match is serialized
// on that match's session lock and persisted with a compare-and-set on the
// previous status.
type Machine struct {
	cfg        Config
	store      store.Store
	ledger     *accounts.Ledger
	escrow     *escrow.Manager
	settlement *settlement.Engine
	reconnect  *reconnect.Manager
	trust      *trust.Tracker
	eligible   trust.Eligibility
	pairCheck  PairCheck
	classifier DisconnectClassifier
	engines    *engine.Registry
	queue      Queue
	sched      schedule.Scheduler
	events     events.Publisher
	retry      retry.Policy
	voids      *voidDetector
	log        *zap.SugaredLogger

	mu        sync.Mutex
	sessions  map[string]*session
	byUser    map[string]string
	fallbacks map[string]*schedule.Token
	baseCtx   context.Context
}

func NewMachine(cfg Config, d Deps, log *zap.SugaredLogger) *Machine {
	if d.Eligibility == nil {
		d.Eligibility = trust.AllowAll{}
	}
	if d.Scheduler == nil {
		d.Scheduler = schedule.Real{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 16 * time.Millisecond
	}
	m := &Machine{
		cfg:        cfg,
		store:      d.Ledger.Store(),
		ledger:     d.Ledger,
		escrow:     d.Escrow,
		settlement: d.Settlement,
		reconnect:  d.Reconnect,
		trust:      d.Trust,
		eligible:   d.Eligibility,
		pairCheck:  d.PairCheck,
		classifier: d.Classifier,
		engines:    d.Engines,
		queue:      d.Queue,
		sched:      d.Scheduler,
		events:     d.Events,
		retry:      d.Ledger.RetryPolicy(),
		voids:      newVoidDetector(cfg.Void),
		log:        log.Named("game"),
		sessions:   make(map[string]*session),
		byUser:     make(map[string]string),
		fallbacks:  make(map[string]*schedule.Token),
		baseCtx:    context.Background(),
	}
	d.Reconnect.OnExpire(m.handleExpiry)
	return m
}

// Run binds tick loops started from now on to ctx and blocks until it is
// done. Matches stay in their persisted state on shutdown.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	<-ctx.Done()
	m.log.Infow("match machine stopped", "live_matches", m.liveCount())
	return nil
}

func (m *Machine) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// JoinQueue admits a user to the queue for gameType at stake (the default
// stake when zero) and pairs them immediately if an opponent is waiting.
func (m *Machine) JoinQueue(ctx context.Context, userID, gameType string, stake decimal.Decimal) (*Ticket, error) {
	if userID == "" || userID == models.BotAccountID || userID == models.HouseAccountID {
		return nil, fmt.Errorf("join queue as %q: %w", userID, models.ErrNotEligible)
	}
	if stake.IsZero() {
		stake = m.cfg.DefaultStake
	}
	if !accounts.ValidAmount(stake) {
		return nil, models.ErrInvalidAmount
	}
	if _, err := m.engines.Get(gameType); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}

	acc, err := m.ledger.Initialize(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Frozen {
		return nil, fmt.Errorf("account %s: %w", userID, models.ErrAccountFrozen)
	}
	if err := m.eligible.Allow(ctx, userID, acc.TrustScore, stake); err != nil {
		return nil, err
	}
	if acc.Balance.LessThan(stake) {
		return nil, fmt.Errorf("balance %s below stake %s: %w", acc.Balance, stake, models.ErrInsufficientFunds)
	}

	m.mu.Lock()
	_, busy := m.byUser[userID]
	m.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("user %s already in a match: %w", userID, models.ErrAlreadyQueued)
	}

	entry := QueueEntry{UserID: userID, GameType: gameType, Stake: stake, JoinedAt: m.sched.Now()}
	if err := m.queue.Push(ctx, entry); err != nil {
		return nil, err
	}
	m.armFallback(entry)
	m.emit(ctx, events.Event{Type: events.TypeQueued, UserID: userID, Data: map[string]any{
		"game_type": gameType,
		"stake":     stake.StringFixed(2),
	}})
	m.log.Infow("player queued", "user_id", userID, "game_type", gameType, "stake", stake.String())

	if err := m.drain(ctx, gameType, stake); err != nil {
		if ve := vetoFor(err, userID); ve != nil {
			m.updateQueueDepth(ctx)
			return nil, ve
		}
		m.log.Errorw("pairing failed", "game_type", gameType, "error", err)
	}
	m.updateQueueDepth(ctx)
	return m.ticket(entry), nil
}

// LeaveQueue withdraws a waiting user. Once a match is LOCKED there is no
// unilateral cancellation.
func (m *Machine) LeaveQueue(ctx context.Context, userID string) error {
	e, err := m.queue.Remove(ctx, userID)
	if err != nil {
		return err
	}
	if e == nil {
		m.mu.Lock()
		matchID, inMatch := m.byUser[userID]
		m.mu.Unlock()
		if inMatch {
			return fmt.Errorf("user %s is in match %s: %w", userID, matchID, models.ErrInvalidTransition)
		}
		return fmt.Errorf("user %s not queued: %w", userID, models.ErrNotFound)
	}
	m.disarmFallback(userID)
	m.updateQueueDepth(ctx)
	m.emit(ctx, events.Event{Type: events.TypeQueueCancelled, UserID: userID})
	m.log.Infow("player left queue", "user_id", userID)
	return nil
}

// SoftLock escrows the stake for userID in matchID. Calls after pairing return
// the hold already taken for the match. Only a match still before settlement
// can take a hold; anything else would strand the stake. The status is read
// from the store since settlement can finish a match outside this instance.
func (m *Machine) SoftLock(ctx context.Context, userID, matchID string) (*models.EscrowHold, error) {
	match, err := m.store.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.HasPlayer(userID) {
		return nil, models.ErrNotParticipant
	}
	switch match.Status {
	case models.MatchMatched, models.MatchLocking, models.MatchLocked, models.MatchActive:
	default:
		return nil, fmt.Errorf("soft lock match %s in %s: %w", matchID, match.Status, models.ErrInvalidTransition)
	}
	return m.escrow.Lock(ctx, userID, matchID, match.Stake)
}

// GetMatch returns the live view of a match, falling back to the store once
// the match has left this instance.
func (m *Machine) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	if s := m.session(matchID); s != nil {
		s.mu.Lock()
		out := s.match
		s.mu.Unlock()
		return &out, nil
	}
	return m.store.Match(ctx, matchID)
}

// MatchOf returns the user's current non-final match.
func (m *Machine) MatchOf(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	return id, ok
}

// ActiveCount is the number of ACTIVE matches on this instance.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range list {
		s.mu.Lock()
		if s.match.Status == models.MatchActive {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// isActive reports whether matchID is ACTIVE on this instance.
func (m *Machine) isActive(matchID string) bool {
	s := m.session(matchID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match.Status == models.MatchActive
}

// drain pairs the bucket until it holds fewer than two players. Vetoed
// pairings are returned joined with any queue error.
func (m *Machine) drain(ctx context.Context, gameType string, stake decimal.Decimal) error {
	var vetoes []error
	for {
		a, b, ok, err := m.queue.PopPair(ctx, gameType, stake)
		if err != nil || !ok {
			return errors.Join(append(vetoes, err)...)
		}
		m.disarmFallback(a.UserID)
		m.disarmFallback(b.UserID)
		if _, err := m.pair(ctx, a, b); err != nil {
			var ve *VetoError
			if errors.As(err, &ve) {
				vetoes = append(vetoes, ve)
				continue
			}
			m.log.Warnw("pair not started", "a", a.UserID, "b", b.UserID, "error", err)
		}
	}
}

func vetoFor(err error, userID string) *VetoError {
	var ve *VetoError
	if errors.As(err, &ve) && ve.UserID == userID {
		return ve
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if ve := vetoFor(e, userID); ve != nil {
				return ve
			}
		}
	}
	return nil
}

// veto consults the PairCheck. The later arrival is dropped from the queue and
// the other player keeps its place.
func (m *Machine) veto(ctx context.Context, a, b QueueEntry) error {
	if m.pairCheck == nil {
		return nil
	}
	err := m.pairCheck.CheckPair(ctx, a.UserID, b.UserID)
	if err == nil {
		return nil
	}
	denied, kept := b, a
	if a.JoinedAt.After(b.JoinedAt) {
		denied, kept = a, b
	}
	m.log.Infow("pairing vetoed", "denied", denied.UserID, "kept", kept.UserID, "error", err)
	m.requeue(ctx, kept)
	m.emit(ctx, events.Event{Type: events.TypeMatchDenied, UserID: denied.UserID, Data: map[string]any{"reason": err.Error()}})
	return &VetoError{UserID: denied.UserID, Err: err}
}

// pair creates the match and escrows both stakes. If either lock fails the
// match is voided, the party whose lock failed is told why and the other
// goes back to the head of the queue.
func (m *Machine) pair(ctx context.Context, a, b QueueEntry) (*models.Match, error) {
	adapter, err := m.engines.Get(a.GameType)
	if err != nil {
		return nil, err
	}
	if err := m.veto(ctx, a, b); err != nil {
		return nil, err
	}
	s := &session{
		adapter:      adapter,
		ready:        make(map[string]bool),
		disconnected: make(map[string]bool),
		match: models.Match{
			ID:        uuid.NewString(),
			GameType:  a.GameType,
			Players:   [2]string{a.UserID, b.UserID},
			Stake:     a.Stake,
			Status:    models.MatchMatched,
			CreatedAt: m.sched.Now().UTC(),
		},
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.match
	if err := m.store.Atomic(ctx, func(tx store.Tx) error { return tx.CreateMatch(ctx, &created) }); err != nil {
		m.requeue(ctx, a)
		m.requeue(ctx, b)
		return nil, fmt.Errorf("create match: %w", err)
	}
	m.register(s)
	metrics.MatchTransitions.WithLabelValues(string(models.MatchMatched)).Inc()
	m.emit(ctx, events.Event{Type: events.TypeMatchFound, MatchID: s.match.ID, Data: map[string]any{
		"players":   s.match.Players,
		"game_type": s.match.GameType,
		"stake":     s.match.Stake.StringFixed(2),
	}})

	if err := m.transition(ctx, s, models.MatchLocking, nil); err != nil {
		m.abandon(ctx, s, "persist_failed")
		return nil, err
	}

	if _, err := m.escrow.LockPair(ctx, a.UserID, b.UserID, s.match.ID, s.match.Stake); err != nil {
		denied := b.UserID
		var pe *escrow.PairError
		if errors.As(err, &pe) {
			denied = pe.AccountID
		}
		m.log.Infow("escrow denied", "match_id", s.match.ID, "account_id", denied, "error", err)
		m.abandon(ctx, s, "escrow_denied")
		for _, e := range []QueueEntry{a, b} {
			if e.UserID == denied {
				m.emit(ctx, events.Event{Type: events.TypeMatchDenied, UserID: e.UserID, MatchID: s.match.ID,
					Data: map[string]any{"reason": err.Error()}})
				continue
			}
			m.requeue(ctx, e)
		}
		return nil, err
	}

	if err := m.transition(ctx, s, models.MatchLocked, nil); err != nil {
		m.voidLocked(ctx, s, "persist_failed")
		return nil, err
	}
	if s.match.HasPlayer(models.BotAccountID) {
		s.ready[models.BotAccountID] = true
	}
	if m.cfg.ReadyTimeout > 0 {
		id := s.match.ID
		s.readyTimer = m.sched.At(m.sched.Now().Add(m.cfg.ReadyTimeout), func(ctx context.Context) {
			m.readyTimeout(ctx, id)
		})
	}
	m.emit(ctx, events.Event{Type: events.TypeLocked, MatchID: s.match.ID, Data: map[string]any{
		"stake": s.match.Stake.StringFixed(2),
	}})
	m.log.Infow("match locked", "match_id", s.match.ID, "players", s.match.Players, "stake", s.match.Stake.String())
	out := s.match
	return &out, nil
}

// abandon voids a match that never reached LOCKED. No funds are held.
func (m *Machine) abandon(ctx context.Context, s *session, reason string) {
	if err := m.transition(ctx, s, models.MatchVoided, func(mt *models.Match) {
		mt.Reason = reason
		now := m.sched.Now().UTC()
		mt.EndedAt = &now
	}); err != nil {
		m.log.Errorw("void unlocked match failed", "match_id", s.match.ID, "error", err)
	}
	m.unregister(s)
	m.emit(ctx, events.Event{Type: events.TypeVoided, MatchID: s.match.ID, Data: map[string]any{"reason": reason}})
}

func (m *Machine) requeue(ctx context.Context, e QueueEntry) {
	if e.UserID == models.BotAccountID {
		return
	}
	if err := m.queue.PushFront(ctx, e); err != nil {
		m.log.Warnw("requeue failed", "user_id", e.UserID, "error", err)
		return
	}
	m.armFallback(e)
	m.emit(ctx, events.Event{Type: events.TypeQueued, UserID: e.UserID, Data: map[string]any{
		"game_type": e.GameType,
		"stake":     e.Stake.StringFixed(2),
		"requeued":  true,
	}})
}

func (m *Machine) armFallback(e QueueEntry) {
	if !m.cfg.BotEnabled || m.cfg.QueueFallback <= 0 {
		return
	}
	tok := m.sched.At(m.sched.Now().Add(m.cfg.QueueFallback), func(ctx context.Context) {
		m.fallback(ctx, e)
	})
	m.mu.Lock()
	if old := m.fallbacks[e.UserID]; old != nil {
		old.Cancel()
	}
	m.fallbacks[e.UserID] = tok
	m.mu.Unlock()
}

func (m *Machine) disarmFallback(userID string) {
	m.mu.Lock()
	if tok := m.fallbacks[userID]; tok != nil {
		tok.Cancel()
		delete(m.fallbacks, userID)
	}
	m.mu.Unlock()
}

// fallback pairs a user who waited too long with the house bot.
func (m *Machine) fallback(ctx context.Context, e QueueEntry) {
	m.mu.Lock()
	delete(m.fallbacks, e.UserID)
	m.mu.Unlock()

	removed, err := m.queue.Remove(ctx, e.UserID)
	if err != nil || removed == nil {
		return
	}
	m.updateQueueDepth(ctx)
	m.log.Infow("queue fallback to bot", "user_id", e.UserID, "waited", m.sched.Now().Sub(removed.JoinedAt).String())
	bot := QueueEntry{UserID: models.BotAccountID, GameType: removed.GameType, Stake: removed.Stake, JoinedAt: m.sched.Now()}
	if _, err := m.pair(ctx, *removed, bot); err != nil {
		m.log.Warnw("bot match not started", "user_id", e.UserID, "error", err)
	}
}

func (m *Machine) ticket(e QueueEntry) *Ticket {
	t := &Ticket{Status: models.MatchQueued, GameType: e.GameType, Stake: e.Stake, QueuedAt: e.JoinedAt}
	id, ok := m.MatchOf(e.UserID)
	if !ok {
		return t
	}
	if s := m.session(id); s != nil {
		s.mu.Lock()
		t.Status = s.match.Status
		s.mu.Unlock()
	}
	t.MatchID = id
	return t
}

func (m *Machine) register(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.match.ID] = s
	for _, p := range s.match.Players {
		if p != models.BotAccountID {
			m.byUser[p] = s.match.ID
		}
	}
}

func (m *Machine) unregister(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.match.ID)
	for _, p := range s.match.Players {
		if m.byUser[p] == s.match.ID {
			delete(m.byUser, p)
		}
	}
}

func (m *Machine) session(matchID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[matchID]
}

// transition persists s.match moving to status to. The stored row must still
// be in the status this session last saw.
func (m *Machine) transition(ctx context.Context, s *session, to models.MatchStatus, mutate func(*models.Match)) error {
	from := s.match.Status
	if !allowed(from, to) {
		return fmt.Errorf("match %s: %s -> %s: %w", s.match.ID, from, to, models.ErrInvalidTransition)
	}
	var out *models.Match
	err := retry.Do(ctx, m.retry, "match.transition", nil, func() error {
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			cur, err := tx.Match(ctx, s.match.ID)
			if err != nil {
				return err
			}
			if cur.Status != from {
				return fmt.Errorf("match %s is %s, expected %s: %w", cur.ID, cur.Status, from, models.ErrInvalidTransition)
			}
			cur.Status = to
			if mutate != nil {
				mutate(cur)
			}
			out = cur
			return tx.UpdateMatch(ctx, cur, from)
		})
	})
	if err != nil {
		return err
	}
	s.match = *out
	metrics.MatchTransitions.WithLabelValues(string(to)).Inc()
	m.log.Debugw("match transition", "match_id", s.match.ID, "from", from, "to", to)
	return nil
}

// refresh reloads a session's match after another component changed it.
func (m *Machine) refresh(ctx context.Context, s *session) {
	if cur, err := m.store.Match(ctx, s.match.ID); err == nil {
		s.match = *cur
	}
}

var transitions = map[models.MatchStatus][]models.MatchStatus{
	models.MatchMatched:    {models.MatchLocking, models.MatchVoided},
	models.MatchLocking:    {models.MatchLocked, models.MatchVoided},
	models.MatchLocked:     {models.MatchActive, models.MatchVoided},
	models.MatchActive:     {models.MatchValidating, models.MatchForfeited, models.MatchVoided, models.MatchDisputed},
	models.MatchValidating: {models.MatchSettled, models.MatchDisputed},
	models.MatchDisputed:   {models.MatchSettled, models.MatchVoided},
}

func allowed(from, to models.MatchStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Machine) emit(ctx context.Context, ev events.Event) {
	if m.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.sched.Now().UTC()
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Warnw("publish event failed", "type", ev.Type, "match_id", ev.MatchID, "error", err)
	}
}

func (m *Machine) updateQueueDepth(ctx context.Context) {
	if n, err := m.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

func (m *Machine) loopContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}
