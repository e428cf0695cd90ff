package tracker

import (
	"sync"
	"time"

	"obscore/pkg/types"
)

// boundedSet is a fixed-capacity set with FIFO-by-insertion eviction:
// once full, the oldest inserted member falls off silently to make room
// for the newest. Membership order (not access order) governs eviction,
// matching spec's "LRU-by-insertion" per-IP set caps.
type boundedSet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedSet{capacity: capacity, index: make(map[string]struct{})}
}

// add inserts item if absent. Returns true if item was not already a
// member (i.e. this call actually added it).
func (s *boundedSet) add(item string) bool {
	if _, exists := s.index[item]; exists {
		return false
	}
	s.order = append(s.order, item)
	s.index[item] = struct{}{}
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		copy(s.order, s.order[1:])
		s.order = s.order[:len(s.order)-1]
		delete(s.index, oldest)
	}
	return true
}

func (s *boundedSet) contains(item string) bool {
	_, ok := s.index[item]
	return ok
}

func (s *boundedSet) len() int { return len(s.order) }

func (s *boundedSet) items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// ipRecord is the per-IP mutable aggregate. A single mutex guards a
// record; the sharded map it lives in (shard.mu) guards only insertion
// and lookup of the record pointer itself, so high-traffic IPs never
// contend with unrelated ones beyond their shard.
type ipRecord struct {
	mu sync.RWMutex

	ip              string
	firstSeen       time.Time
	lastSeen        time.Time
	total           int64
	success         int64
	failed          int64
	endpoints       *boundedSet
	userAgents      *boundedSet
	userIDs         *boundedSet
	suspiciousScore int
}

func newIPRecord(ip string, setCapacity int) *ipRecord {
	return &ipRecord{
		ip:         ip,
		endpoints:  newBoundedSet(setCapacity),
		userAgents: newBoundedSet(setCapacity),
		userIDs:    newBoundedSet(setCapacity),
	}
}

// applyEvent folds e's observations into the record and recomputes the
// suspicious score. Must be called with mu held for writing.
func (r *ipRecord) applyEvent(e types.AccessEvent) {
	if r.firstSeen.IsZero() {
		r.firstSeen = e.Timestamp
	}
	r.lastSeen = e.Timestamp
	r.total++
	if e.Success {
		r.success++
	} else {
		r.failed++
	}
	if e.Endpoint != "" {
		r.endpoints.add(e.Endpoint)
	}
	if e.UserAgent != "" {
		r.userAgents.add(e.UserAgent)
	}
	if e.UserID != "" {
		r.userIDs.add(e.UserID)
	}
	r.suspiciousScore = computeSuspiciousScore(r)
}

// computeSuspiciousScore implements the bounded-contribution sum of
// spec.md §4.4 step 4, clamped to [0, 100]. Caller must hold r.mu.
func computeSuspiciousScore(r *ipRecord) int {
	score := 0
	if r.total > 0 {
		failureRate := float64(r.failed) / float64(r.total)
		switch {
		case failureRate > 0.5:
			score += 30
		case failureRate > 0.3:
			score += 15
		}
	}
	if r.userAgents.len() > 10 {
		score += 20
	}
	if r.userIDs.len() > 5 {
		score += 25
	}
	if r.total > 1000 {
		score += 15
	}
	if r.endpoints.len() > 50 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// snapshotLocked materializes a point-in-time copy as the public types.IPStats
// value. Must be called with mu held for reading (or writing).
func (r *ipRecord) snapshotLocked() types.IPStats {
	return types.IPStats{
		IP:              r.ip,
		Total:           r.total,
		Failed:          r.failed,
		Success:         r.success,
		FirstSeen:       r.firstSeen,
		LastSeen:        r.lastSeen,
		Endpoints:       r.endpoints.items(),
		UserAgents:      r.userAgents.items(),
		UserIDs:         r.userIDs.items(),
		SuspiciousScore: r.suspiciousScore,
	}
}

func (r *ipRecord) snapshot() types.IPStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}
