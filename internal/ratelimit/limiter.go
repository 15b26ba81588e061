// Package ratelimit provides per-identity admission control for routed
// messages.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// Limiter is a fixed-window counter keyed by an arbitrary string (typically
// the identity). Keys hash to independent shards so unrelated identities
// never serialize on one lock.
type Limiter struct {
	window time.Duration
	limit  int
	shards [shardCount]*shard

	now func() time.Time // test hook
}

func NewLimiter(window time.Duration, limit int) *Limiter {
	l := &Limiter{window: window, limit: limit, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string][]time.Time)}
	}
	return l
}

// Check admits or rejects one event for key. On admission the event's
// timestamp is recorded against the window.
func (l *Limiter) Check(key string) bool {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.entries[key]
	cutoff := now.Add(-l.window)
	kept := recent[:0]
	for _, ts := range recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		s.entries[key] = kept
		return false
	}
	s.entries[key] = append(kept, now)
	return true
}

// RetryAfter returns how long the caller should wait before the oldest
// recorded event falls out of the window. Zero when the key is under limit.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.entries[key]
	if len(recent) < l.limit {
		return 0
	}
	oldest := recent[len(recent)-l.limit]
	wait := oldest.Add(l.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}
