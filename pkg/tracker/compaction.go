package tracker

import (
	"sort"
	"time"
)

// Start launches the background compaction loop on its own goroutine,
// grounded in the teacher's deduplication.DeduplicationManager.Start /
// cleanupLoop pattern (ticker-driven, cancelled via a stop channel).
// Calling Start more than once has no additional effect.
func (t *Tracker) Start() {
	go t.compactionLoop()
}

// Stop signals the background compaction loop to exit and waits for it
// to finish. Safe to call multiple times or without a prior Start.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

func (t *Tracker) compactionLoop() {
	defer close(t.doneCh)
	ticker := time.NewTicker(t.cfg.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Compact(time.Now())
		}
	}
}

// Compact runs one idempotent compaction sweep as of now: TTL eviction,
// capacity eviction, and ring/per-user cleanup (spec.md §4.4
// "Compaction" steps 1-4). It is safe to call explicitly between
// scheduled runs; a partial failure in one step never aborts the rest.
func (t *Tracker) Compact(now time.Time) {
	start := time.Now()
	cutoff := now.Add(-t.cfg.TTL)

	evictedTTL := t.evictExpired(cutoff)
	evictedCapacity := t.evictOverCapacity()
	t.ring.dropOlderThan(cutoff)

	if t.metrics != nil {
		if evictedTTL > 0 {
			t.metrics.CompactionEvicted.WithLabelValues("ttl").Add(float64(evictedTTL))
		}
		if evictedCapacity > 0 {
			t.metrics.CompactionEvicted.WithLabelValues("capacity").Add(float64(evictedCapacity))
		}
		t.metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	}
}

// evictExpired deletes every ipRecord whose lastSeen predates cutoff,
// skipping blocked and whitelisted IPs (spec: "not subject to TTL or
// capacity eviction"), and removes the evicted IP from every
// user_ip_history set.
func (t *Tracker) evictExpired(cutoff time.Time) int {
	evicted := 0
	var evictedIPs []string

	for _, sh := range t.shards {
		sh.mu.Lock()
		for ip, rec := range sh.records {
			if t.isProtected(ip) {
				continue
			}
			rec.mu.RLock()
			stale := rec.lastSeen.Before(cutoff)
			rec.mu.RUnlock()
			if stale {
				delete(sh.records, ip)
				evictedIPs = append(evictedIPs, ip)
				evicted++
			}
		}
		sh.mu.Unlock()
	}

	t.pruneUserHistory(evictedIPs)
	return evicted
}

// evictOverCapacity evicts least-recently-seen IPs until live (non
// block/whitelist-protected) IP count is within MaxTrackedIPs.
func (t *Tracker) evictOverCapacity() int {
	type candidate struct {
		ip       string
		lastSeen time.Time
		shardIdx int
	}

	var candidates []candidate
	for idx, sh := range t.shards {
		sh.mu.RLock()
		for ip, rec := range sh.records {
			if t.isProtected(ip) {
				continue
			}
			rec.mu.RLock()
			candidates = append(candidates, candidate{ip: ip, lastSeen: rec.lastSeen, shardIdx: idx})
			rec.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}

	over := len(candidates) - t.cfg.MaxTrackedIPs
	if over <= 0 {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastSeen.Before(candidates[j].lastSeen) })

	var evictedIPs []string
	for i := 0; i < over; i++ {
		c := candidates[i]
		sh := t.shards[c.shardIdx]
		sh.mu.Lock()
		delete(sh.records, c.ip)
		sh.mu.Unlock()
		evictedIPs = append(evictedIPs, c.ip)
	}

	t.pruneUserHistory(evictedIPs)
	return len(evictedIPs)
}

func (t *Tracker) isProtected(ip string) bool {
	t.adminMu.RLock()
	defer t.adminMu.RUnlock()
	if _, blocked := t.blocked[ip]; blocked {
		return true
	}
	return t.whitelisted[ip]
}

func (t *Tracker) pruneUserHistory(evictedIPs []string) {
	if len(evictedIPs) == 0 {
		return
	}
	stale := make(map[string]struct{}, len(evictedIPs))
	for _, ip := range evictedIPs {
		stale[ip] = struct{}{}
	}

	t.userMu.Lock()
	defer t.userMu.Unlock()
	for _, set := range t.userHistory {
		if len(set.order) == 0 {
			continue
		}
		kept := set.order[:0]
		for _, ip := range set.order {
			if _, gone := stale[ip]; gone {
				delete(set.index, ip)
				continue
			}
			kept = append(kept, ip)
		}
		set.order = kept
	}
}
