// Package fairplay holds the anti-abuse checks that sit beside matchmaking:
// a pairing guard against collusion and a latency classifier for deliberate
// disconnects.
package fairplay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/trust"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Clock is the time source; schedule.Scheduler satisfies it.
type Clock interface {
	Now() time.Time
}

type GuardConfig struct {
	// MaxEncounters is how many times two players may meet within
	// EncounterWindow before further pairings are vetoed. 0 disables.
	MaxEncounters   int
	EncounterWindow time.Duration
	// Quarantine is how long a player flagged by Quarantine stays out of
	// matchmaking.
	Quarantine time.Duration
	// SharedAddress vetoes pairing two players seen on the same network
	// address.
	SharedAddress bool
}

// Guard keeps quarantined players out of the queue and vetoes pairings that
// look like two accounts working together. It wraps the queue eligibility
// check so both run on JoinQueue.
type Guard struct {
	cfg   GuardConfig
	next  trust.Eligibility
	clock Clock
	log   *zap.SugaredLogger

	mu          sync.Mutex
	quarantined map[string]time.Time
	encounters  map[[2]string][]time.Time
	addrs       map[string]map[string]struct{} // address -> user ids
}

func NewGuard(cfg GuardConfig, next trust.Eligibility, clock Clock, log *zap.SugaredLogger) *Guard {
	if next == nil {
		next = trust.AllowAll{}
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = 2 * time.Hour
	}
	if cfg.EncounterWindow <= 0 {
		cfg.EncounterWindow = time.Hour
	}
	return &Guard{
		cfg:         cfg,
		next:        next,
		clock:       clock,
		log:         log.Named("fairplay"),
		quarantined: make(map[string]time.Time),
		encounters:  make(map[[2]string][]time.Time),
		addrs:       make(map[string]map[string]struct{}),
	}
}

// Observe records that userID connected from addr.
func (g *Guard) Observe(userID, addr string) {
	if userID == "" || addr == "" || userID == models.BotAccountID {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	users, ok := g.addrs[addr]
	if !ok {
		users = make(map[string]struct{})
		g.addrs[addr] = users
	}
	users[userID] = struct{}{}
}

// Quarantine holds userID out of matchmaking and returns when it lifts.
func (g *Guard) Quarantine(userID, reason string) time.Time {
	until := g.clock.Now().Add(g.cfg.Quarantine)
	g.mu.Lock()
	g.quarantined[userID] = until
	g.mu.Unlock()
	g.log.Warnw("player quarantined", "user_id", userID, "reason", reason, "until", until)
	return until
}

// Release lifts a quarantine early.
func (g *Guard) Release(userID string) {
	g.mu.Lock()
	delete(g.quarantined, userID)
	g.mu.Unlock()
}

// Quarantined reports whether userID is held out and until when.
func (g *Guard) Quarantined(userID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quarantinedLocked(userID)
}

func (g *Guard) quarantinedLocked(userID string) (time.Time, bool) {
	until, ok := g.quarantined[userID]
	if !ok {
		return time.Time{}, false
	}
	if !g.clock.Now().Before(until) {
		delete(g.quarantined, userID)
		return time.Time{}, false
	}
	return until, true
}

// Allow implements trust.Eligibility.
func (g *Guard) Allow(ctx context.Context, userID string, score int, stake decimal.Decimal) error {
	if until, ok := g.Quarantined(userID); ok {
		return fmt.Errorf("%s quarantined until %s: %w", userID, until.UTC().Format(time.RFC3339), models.ErrNotEligible)
	}
	return g.next.Allow(ctx, userID, score, stake)
}

// CheckPair vetoes pairing a with b, or records the encounter when allowed.
func (g *Guard) CheckPair(_ context.Context, a, b string) error {
	if a == models.BotAccountID || b == models.BotAccountID {
		return nil
	}
	now := g.clock.Now()
	key := pairKey(a, b)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range key {
		if _, ok := g.quarantinedLocked(id); ok {
			return fmt.Errorf("pair %s/%s: %s quarantined: %w", a, b, id, models.ErrNotEligible)
		}
	}
	if g.cfg.SharedAddress && g.sharedLocked(a, b) {
		g.log.Warnw("pairing vetoed", "a", a, "b", b, "indicator", "shared_address")
		return fmt.Errorf("pair %s/%s share a network address: %w", a, b, models.ErrNotEligible)
	}

	seen := g.encounters[key][:0]
	for _, t := range g.encounters[key] {
		if now.Sub(t) <= g.cfg.EncounterWindow {
			seen = append(seen, t)
		}
	}
	if g.cfg.MaxEncounters > 0 && len(seen) >= g.cfg.MaxEncounters {
		g.encounters[key] = seen
		g.log.Warnw("pairing vetoed", "a", a, "b", b, "indicator", "frequent_encounters", "count", len(seen))
		return fmt.Errorf("pair %s/%s met %d times within %s: %w", a, b, len(seen), g.cfg.EncounterWindow, models.ErrNotEligible)
	}
	g.encounters[key] = append(seen, now)
	return nil
}

// Encounters returns how often a and b met within the window.
func (g *Guard) Encounters(a, b string) int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.encounters[pairKey(a, b)] {
		if now.Sub(t) <= g.cfg.EncounterWindow {
			n++
		}
	}
	return n
}

func (g *Guard) sharedLocked(a, b string) bool {
	for _, users := range g.addrs {
		_, hasA := users[a]
		_, hasB := users[b]
		if hasA && hasB {
			return true
		}
	}
	return false
}

func pairKey(a, b string) [2]string {
	k := []string{a, b}
	sort.Strings(k)
	return [2]string{k[0], k[1]}
}
