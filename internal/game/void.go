package game

import (
	"sort"
	"sync"
	"time"
)

// VoidPolicy decides when disconnects across many matches look like an
// infrastructure failure rather than individual players leaving.
type VoidPolicy struct {
	Threshold   float64 // fraction of ACTIVE matches with a disconnect
	Window      time.Duration
	MinMatches  int // ignore pools smaller than this
	MinAffected int
}

type voidDetector struct {
	mu     sync.Mutex
	policy VoidPolicy
	recent map[string]time.Time
}

func newVoidDetector(p VoidPolicy) *voidDetector {
	if p.MinAffected < 1 {
		p.MinAffected = 2
	}
	return &voidDetector{policy: p, recent: make(map[string]time.Time)}
}

// record notes a disconnect in matchID and returns the matches to void when
// the affected fraction of active matches within the window reaches the
// threshold. Matches for which live reports false have ended since their
// disconnect and no longer count. Returned matches are forgotten.
func (d *voidDetector) record(matchID string, at time.Time, active int, live func(string) bool) []string {
	if d.policy.Threshold <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, t := range d.recent {
		if at.Sub(t) > d.policy.Window || (live != nil && id != matchID && !live(id)) {
			delete(d.recent, id)
		}
	}
	d.recent[matchID] = at

	affected := len(d.recent)
	if active < 1 || active < d.policy.MinMatches || affected < d.policy.MinAffected {
		return nil
	}
	if float64(affected)/float64(active) < d.policy.Threshold {
		return nil
	}
	ids := make([]string, 0, affected)
	for id := range d.recent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	d.recent = make(map[string]time.Time)
	return ids
}
