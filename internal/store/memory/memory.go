// Package memory is an in-process implementation of store.Store. Transactions
// read a snapshot, buffer their writes and validate versions on commit, which
// gives the same optimistic semantics as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu          sync.RWMutex
	accounts    map[string]models.Account
	holds       map[string]models.EscrowHold
	matchHolds  map[string][]string
	matches     map[string]models.Match
	settlements map[string]models.Settlement
	ledger      []models.LedgerEntry
	audits      []models.AuditEvent
	checkpoints []models.ReconciliationCheckpoint
	admins      map[string]models.AdminAccount

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:    make(map[string]models.Account),
		holds:       make(map[string]models.EscrowHold),
		matchHolds:  make(map[string][]string),
		matches:     make(map[string]models.Match),
		settlements: make(map[string]models.Settlement),
		admins:      make(map[string]models.AdminAccount),
		now:         time.Now,
	}
}

type accountWrite struct {
	acc      models.Account
	expected int64
	create   bool
}

type holdWrite struct {
	hold     models.EscrowHold
	expected models.HoldState
	create   bool
}

type matchWrite struct {
	match    models.Match
	expected models.MatchStatus
	create   bool
}

type tx struct {
	s           *Store
	accounts    map[string]*accountWrite
	holds       map[string]*holdWrite
	holdOrder   []string
	matches     map[string]*matchWrite
	settlements map[string]models.Settlement
	ledger      []*models.LedgerEntry
}

// Atomic runs fn and commits its buffered writes if it returns nil.
func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	t := &tx{
		s:           s,
		accounts:    make(map[string]*accountWrite),
		holds:       make(map[string]*holdWrite),
		matches:     make(map[string]*matchWrite),
		settlements: make(map[string]models.Settlement),
	}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range t.accounts {
		cur, exists := s.accounts[id]
		if w.create {
			if exists {
				return models.ErrDuplicate
			}
			continue
		}
		if !exists {
			return models.ErrNotFound
		}
		if cur.Version != w.expected || cur.Frozen {
			return models.ErrConcurrencyConflict
		}
	}
	for id, w := range t.holds {
		cur, exists := s.holds[id]
		if w.create {
			if exists {
				return models.ErrDuplicate
			}
			continue
		}
		if !exists {
			return models.ErrNotFound
		}
		if cur.State != w.expected {
			return models.ErrConcurrencyConflict
		}
	}
	for id, w := range t.matches {
		cur, exists := s.matches[id]
		if w.create {
			if exists {
				return models.ErrDuplicate
			}
			continue
		}
		if !exists {
			return models.ErrNotFound
		}
		if cur.Status != w.expected {
			return models.ErrConcurrencyConflict
		}
	}
	for id := range t.settlements {
		if _, exists := s.settlements[id]; exists {
			return models.ErrDuplicate
		}
	}

	now := s.now()
	for id, w := range t.accounts {
		if w.create {
			s.accounts[id] = w.acc
			continue
		}
		cur := s.accounts[id]
		cur.Balance = w.acc.Balance
		cur.Version = w.acc.Version
		cur.IntegrityHash = w.acc.IntegrityHash
		cur.LastActivity = w.acc.LastActivity
		s.accounts[id] = cur
	}
	for _, id := range t.holdOrder {
		w := t.holds[id]
		w.hold.UpdatedAt = now
		if w.create {
			s.matchHolds[w.hold.MatchID] = append(s.matchHolds[w.hold.MatchID], id)
		}
		s.holds[id] = w.hold
	}
	for id, w := range t.matches {
		s.matches[id] = w.match
	}
	for id, st := range t.settlements {
		s.settlements[id] = st
	}
	for _, e := range t.ledger {
		e.Seq = int64(len(s.ledger)) + 1
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.ledger = append(s.ledger, *e)
	}
	return nil
}

func (t *tx) Account(ctx context.Context, id string) (*models.Account, error) {
	if w, ok := t.accounts[id]; ok {
		a := w.acc
		return &a, nil
	}
	return t.s.Account(ctx, id)
}

func (t *tx) CreateAccount(_ context.Context, a *models.Account) error {
	if _, ok := t.accounts[a.ID]; ok {
		return models.ErrDuplicate
	}
	t.s.mu.RLock()
	_, exists := t.s.accounts[a.ID]
	t.s.mu.RUnlock()
	if exists {
		return models.ErrDuplicate
	}
	t.accounts[a.ID] = &accountWrite{acc: *a, create: true}
	return nil
}

func (t *tx) UpdateAccount(_ context.Context, a *models.Account, expectedVersion int64) error {
	if w, ok := t.accounts[a.ID]; ok {
		if w.acc.Version != expectedVersion {
			return models.ErrConcurrencyConflict
		}
		w.acc = *a
		return nil
	}
	t.accounts[a.ID] = &accountWrite{acc: *a, expected: expectedVersion}
	return nil
}

func (t *tx) AppendLedger(_ context.Context, e *models.LedgerEntry) error {
	t.ledger = append(t.ledger, e)
	return nil
}

func (t *tx) Hold(_ context.Context, id string) (*models.EscrowHold, error) {
	if w, ok := t.holds[id]; ok {
		h := w.hold
		return &h, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	h, ok := t.s.holds[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &h, nil
}

func (t *tx) HoldsByMatch(_ context.Context, matchID string) ([]models.EscrowHold, error) {
	var out []models.EscrowHold
	seen := make(map[string]bool)

	t.s.mu.RLock()
	for _, id := range t.s.matchHolds[matchID] {
		h := t.s.holds[id]
		if w, ok := t.holds[id]; ok {
			h = w.hold
		}
		seen[id] = true
		out = append(out, h)
	}
	t.s.mu.RUnlock()

	for _, id := range t.holdOrder {
		w := t.holds[id]
		if !seen[id] && w.hold.MatchID == matchID {
			out = append(out, w.hold)
		}
	}
	return out, nil
}

func (t *tx) CreateHold(_ context.Context, h *models.EscrowHold) error {
	if _, ok := t.holds[h.ID]; ok {
		return models.ErrDuplicate
	}
	t.holds[h.ID] = &holdWrite{hold: *h, create: true}
	t.holdOrder = append(t.holdOrder, h.ID)
	return nil
}

func (t *tx) UpdateHold(ctx context.Context, h *models.EscrowHold, expected models.HoldState) error {
	if w, ok := t.holds[h.ID]; ok {
		if w.hold.State != expected {
			return models.ErrConcurrencyConflict
		}
		w.hold = *h
		return nil
	}
	cur, err := t.Hold(ctx, h.ID)
	if err != nil {
		return err
	}
	if cur.State != expected {
		return models.ErrConcurrencyConflict
	}
	t.holds[h.ID] = &holdWrite{hold: *h, expected: expected}
	t.holdOrder = append(t.holdOrder, h.ID)
	return nil
}

func (t *tx) Match(ctx context.Context, id string) (*models.Match, error) {
	if w, ok := t.matches[id]; ok {
		m := w.match
		return &m, nil
	}
	return t.s.Match(ctx, id)
}

func (t *tx) CreateMatch(_ context.Context, m *models.Match) error {
	if _, ok := t.matches[m.ID]; ok {
		return models.ErrDuplicate
	}
	t.matches[m.ID] = &matchWrite{match: *m, create: true}
	return nil
}

func (t *tx) UpdateMatch(ctx context.Context, m *models.Match, expected models.MatchStatus) error {
	if w, ok := t.matches[m.ID]; ok {
		if w.match.Status != expected {
			return models.ErrConcurrencyConflict
		}
		w.match = *m
		return nil
	}
	cur, err := t.Match(ctx, m.ID)
	if err != nil {
		return err
	}
	if cur.Status != expected {
		return models.ErrConcurrencyConflict
	}
	t.matches[m.ID] = &matchWrite{match: *m, expected: expected}
	return nil
}

func (t *tx) Settlement(_ context.Context, matchID string) (*models.Settlement, error) {
	if st, ok := t.settlements[matchID]; ok {
		return &st, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	st, ok := t.s.settlements[matchID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &st, nil
}

func (t *tx) CreateSettlement(ctx context.Context, st *models.Settlement) error {
	if _, err := t.Settlement(ctx, st.MatchID); err == nil {
		return models.ErrDuplicate
	}
	t.settlements[st.MatchID] = *st
	return nil
}

func (s *Store) Account(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (s *Store) Match(_ context.Context, id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &m, nil
}

func (s *Store) OpenMatches(_ context.Context, createdBefore time.Time) ([]models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Match
	for _, m := range s.matches {
		if !m.Status.Terminal() && m.CreatedAt.Before(createdBefore) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LedgerByMatch(_ context.Context, matchID string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.MatchID == matchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) LedgerByAccount(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID != accountID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SetFrozen(_ context.Context, accountID string, frozen bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return models.ErrNotFound
	}
	a.Frozen = frozen
	a.FrozenReason = reason
	if !frozen {
		a.FrozenReason = ""
	}
	s.accounts[accountID] = a
	return nil
}

func (s *Store) AdjustTrust(_ context.Context, accountID string, delta, min, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, models.ErrNotFound
	}
	score := a.TrustScore + delta
	if score < min {
		score = min
	}
	if score > max {
		score = max
	}
	a.TrustScore = score
	s.accounts[accountID] = a
	return score, nil
}

func (s *Store) AppendAudit(_ context.Context, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.audits)) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.audits = append(s.audits, *ev)
	return nil
}

func (s *Store) AuditEvents(_ context.Context, kind string, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for i := len(s.audits) - 1; i >= 0; i-- {
		if kind != "" && s.audits[i].Kind != kind {
			continue
		}
		out = append(out, s.audits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Snapshot(_ context.Context, cursor int64, pending []int64) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &store.Snapshot{
		BalanceSum:  decimal.Zero,
		HeldSum:     decimal.Zero,
		LedgerDelta: decimal.Zero,
		RakeDelta:   decimal.Zero,
		Cursor:      int64(len(s.ledger)),
	}
	for _, a := range s.accounts {
		snap.BalanceSum = snap.BalanceSum.Add(a.Balance)
		snap.Accounts++
	}
	for _, h := range s.holds {
		if h.State == models.HoldConfirmed {
			snap.HeldSum = snap.HeldSum.Add(h.Amount)
		}
	}

	count := func(e models.LedgerEntry) {
		snap.EntriesCounted++
		switch e.EntryType {
		case models.EntryBalanceUpdate:
			snap.LedgerDelta = snap.LedgerDelta.Add(e.Amount)
		case models.EntryRake:
			snap.RakeDelta = snap.RakeDelta.Add(e.Amount)
		}
	}
	for _, seq := range pending {
		if seq >= 1 && seq <= cursor && seq <= int64(len(s.ledger)) {
			count(s.ledger[seq-1])
		}
	}
	if cursor < 0 {
		cursor = 0
	}
	for i := cursor; i < int64(len(s.ledger)); i++ {
		count(s.ledger[i])
	}
	return snap, nil
}

func (s *Store) Checkpoint(_ context.Context, id int64) (*models.ReconciliationCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.checkpoints)) {
		return nil, models.ErrNotFound
	}
	c := s.checkpoints[id-1]
	return &c, nil
}

func (s *Store) LatestCheckpoint(_ context.Context) (*models.ReconciliationCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.checkpoints) == 0 {
		return nil, models.ErrNotFound
	}
	c := s.checkpoints[len(s.checkpoints)-1]
	return &c, nil
}

func (s *Store) OpenCritical(_ context.Context) (*models.ReconciliationCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.checkpoints) - 1; i >= 0; i-- {
		c := s.checkpoints[i]
		if c.Status == models.CheckpointCritical && c.ClearedAt == nil {
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *Store) AppendCheckpoint(_ context.Context, c *models.ReconciliationCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = int64(len(s.checkpoints)) + 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	cp := *c
	cp.PendingSeqs = append([]int64(nil), c.PendingSeqs...)
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

// ClearCheckpoint clears every open CRITICAL checkpoint up to and including id.
func (s *Store) ClearCheckpoint(_ context.Context, id int64, clearedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.checkpoints)) {
		return models.ErrNotFound
	}
	now := s.now()
	for i := int64(0); i < id; i++ {
		c := &s.checkpoints[i]
		if c.Status == models.CheckpointCritical && c.ClearedAt == nil {
			c.ClearedAt = &now
			c.ClearedBy = clearedBy
		}
	}
	return nil
}

func (s *Store) AdminAccount(_ context.Context, id string) (*models.AdminAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (s *Store) UpsertAdminAccount(_ context.Context, a *models.AdminAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.admins[a.ID]; ok {
		a.CreatedAt = cur.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.admins[a.ID] = *a
	return nil
}

// Accounts returns every account sorted by id.
func (s *Store) Accounts() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
