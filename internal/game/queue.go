package game

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/shopspring/decimal"
)

// QueueEntry is one player waiting for an opponent.
type QueueEntry struct {
	UserID   string          `json:"user_id"`
	GameType string          `json:"game_type"`
	Stake    decimal.Decimal `json:"stake"`
	JoinedAt time.Time       `json:"joined_at"`
}

// Bucket groups entries that may be paired: same game type, same stake.
func (e QueueEntry) Bucket() string {
	return bucket(e.GameType, e.Stake)
}

func bucket(gameType string, stake decimal.Decimal) string {
	return gameType + ":" + stake.StringFixed(2)
}

// BucketKey names one pairing bucket.
type BucketKey struct {
	GameType string
	Stake    decimal.Decimal
}

func parseBucket(b string) (BucketKey, bool) {
	i := strings.LastIndex(b, ":")
	if i <= 0 {
		return BucketKey{}, false
	}
	stake, err := decimal.NewFromString(b[i+1:])
	if err != nil {
		return BucketKey{}, false
	}
	return BucketKey{GameType: b[:i], Stake: stake}, true
}

// Queue is the pluggable matchmaking queue. Pairing is FIFO within a bucket.
type Queue interface {
	Push(ctx context.Context, e QueueEntry) error
	PushFront(ctx context.Context, e QueueEntry) error
	PopPair(ctx context.Context, gameType string, stake decimal.Decimal) (QueueEntry, QueueEntry, bool, error)
	Remove(ctx context.Context, userID string) (*QueueEntry, error)
	Len(ctx context.Context) (int, error)
	// Buckets lists buckets that may hold a pair.
	Buckets(ctx context.Context) ([]BucketKey, error)
}

// MemoryQueue keeps the queue in process.
type MemoryQueue struct {
	mu      sync.Mutex
	buckets map[string][]QueueEntry
	members map[string]string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		buckets: make(map[string][]QueueEntry),
		members: make(map[string]string),
	}
}

func (q *MemoryQueue) Push(_ context.Context, e QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[e.UserID]; ok {
		return models.ErrAlreadyQueued
	}
	b := e.Bucket()
	q.buckets[b] = append(q.buckets[b], e)
	q.members[e.UserID] = b
	return nil
}

func (q *MemoryQueue) PushFront(_ context.Context, e QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[e.UserID]; ok {
		return models.ErrAlreadyQueued
	}
	b := e.Bucket()
	q.buckets[b] = append([]QueueEntry{e}, q.buckets[b]...)
	q.members[e.UserID] = b
	return nil
}

func (q *MemoryQueue) PopPair(_ context.Context, gameType string, stake decimal.Decimal) (QueueEntry, QueueEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := bucket(gameType, stake)
	entries := q.buckets[b]
	if len(entries) < 2 {
		return QueueEntry{}, QueueEntry{}, false, nil
	}
	a, c := entries[0], entries[1]
	q.buckets[b] = entries[2:]
	delete(q.members, a.UserID)
	delete(q.members, c.UserID)
	return a, c, true, nil
}

func (q *MemoryQueue) Remove(_ context.Context, userID string) (*QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.members[userID]
	if !ok {
		return nil, nil
	}
	delete(q.members, userID)
	entries := q.buckets[b]
	for i, e := range entries {
		if e.UserID == userID {
			q.buckets[b] = append(entries[:i:i], entries[i+1:]...)
			return &e, nil
		}
	}
	return nil, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.members), nil
}

func (q *MemoryQueue) Buckets(context.Context) ([]BucketKey, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.buckets))
	for b, entries := range q.buckets {
		if len(entries) >= 2 {
			names = append(names, b)
		}
	}
	sort.Strings(names)
	out := make([]BucketKey, 0, len(names))
	for _, b := range names {
		if k, ok := parseBucket(b); ok {
			out = append(out, k)
		}
	}
	return out, nil
}
