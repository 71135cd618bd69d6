package listener

import (
	"sync"
	"time"
)

// processedSetCap bounds the per-listener ID set. Worker channels rarely
// exceed a few hundred records; the cap only matters for very long jobs.
const processedSetCap = 4096

// processedSet remembers worker message IDs already folded into the brain
// so channel replays and subscription echoes cannot inject a record twice.
// Entries age out LRU-style once the cap is reached; an optional TTL lets
// short-lived sets expire on their own.
type processedSet struct {
	mu      sync.Mutex
	seen    map[string]int64
	ttl     time.Duration
	maxSize int
}

func newProcessedSet(ttl time.Duration, maxSize int) *processedSet {
	if maxSize <= 0 {
		maxSize = processedSetCap
	}
	return &processedSet{
		seen:    make(map[string]int64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen records id and reports whether it was already present. Empty IDs
// are never considered duplicates.
func (s *processedSet) Seen(id string) bool {
	return s.SeenAt(id, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (s *processedSet) SeenAt(id string, now time.Time) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowUnix := now.UnixMilli()
	if existing, ok := s.seen[id]; ok {
		if s.ttl <= 0 || nowUnix-existing < s.ttl.Milliseconds() {
			s.touch(id, nowUnix)
			return true
		}
	}

	s.touch(id, nowUnix)
	s.prune(nowUnix)
	return false
}

// Contains reports membership without refreshing the entry.
func (s *processedSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.seen[id]
	if !ok {
		return false
	}
	if s.ttl <= 0 {
		return true
	}
	return time.Now().UnixMilli()-existing < s.ttl.Milliseconds()
}

// Len returns the number of tracked IDs.
func (s *processedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *processedSet) touch(id string, timestamp int64) {
	delete(s.seen, id)
	s.seen[id] = timestamp
}

func (s *processedSet) prune(nowUnix int64) {
	if s.ttl > 0 {
		cutoff := nowUnix - s.ttl.Milliseconds()
		for id, ts := range s.seen {
			if ts < cutoff {
				delete(s.seen, id)
			}
		}
	}

	for len(s.seen) > s.maxSize {
		var oldestID string
		oldestTs := int64(^uint64(0) >> 1)
		for id, ts := range s.seen {
			if ts < oldestTs {
				oldestTs = ts
				oldestID = id
			}
		}
		if oldestID == "" {
			break
		}
		delete(s.seen, oldestID)
	}
}
