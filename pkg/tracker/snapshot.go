package tracker

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"obscore/pkg/obserrors"
	"obscore/pkg/types"
)

// snapshotVersion is bumped whenever the Snapshot wire shape changes in
// a way that is not backward compatible.
const snapshotVersion = 1

// Snapshot is the versioned, gob-encodable structure spec.md §6
// requires for state persistence: "{ip_stats, blocked, whitelisted,
// user_ip_history, recent_events}" round-tripped with no cross-field
// drift.
type Snapshot struct {
	Version       int
	IPStats       []types.IPStats
	Blocked       map[string]string
	Whitelisted   map[string]bool
	UserIPHistory map[string][]string
	RecentEvents  []types.AccessEvent
}

// Snapshot captures a point-in-time, consistent copy of all persisted
// state. Each sub-collection is captured independently; under
// concurrent Track calls the result is a valid (if not perfectly
// linearizable) snapshot, consistent with the tracker's best-effort
// concurrency contract.
func (t *Tracker) Snapshot() Snapshot {
	var ipStats []types.IPStats
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			ipStats = append(ipStats, rec.snapshot())
		}
		sh.mu.RUnlock()
	}

	t.adminMu.RLock()
	blocked := make(map[string]string, len(t.blocked))
	for ip, reason := range t.blocked {
		blocked[ip] = reason
	}
	whitelisted := make(map[string]bool, len(t.whitelisted))
	for ip := range t.whitelisted {
		whitelisted[ip] = true
	}
	t.adminMu.RUnlock()

	t.userMu.Lock()
	history := make(map[string][]string, len(t.userHistory))
	for userID, set := range t.userHistory {
		history[userID] = set.items()
	}
	t.userMu.Unlock()

	return Snapshot{
		Version:       snapshotVersion,
		IPStats:       ipStats,
		Blocked:       blocked,
		Whitelisted:   whitelisted,
		UserIPHistory: history,
		RecentEvents:  t.ring.snapshotAll(),
	}
}

// Marshal gob-encodes the snapshot to a byte buffer.
func (s Snapshot) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, obserrors.InvalidInput("snapshot_marshal", "failed to encode snapshot: "+err.Error())
	}
	return buf.Bytes(), nil
}

// UnmarshalSnapshot decodes a byte buffer produced by Snapshot.Marshal.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return Snapshot{}, obserrors.InvalidInput("snapshot_unmarshal", "failed to decode snapshot: "+err.Error())
	}
	if s.Version != snapshotVersion {
		return Snapshot{}, obserrors.InvalidInput("snapshot_unmarshal", fmt.Sprintf("unsupported snapshot version %d", s.Version))
	}
	return s, nil
}

// Restore replaces the tracker's entire state with snap's contents. Not
// safe to call concurrently with Track or compaction; callers must
// quiesce ingestion first (e.g. during process startup).
func (t *Tracker) Restore(snap Snapshot) error {
	if snap.Version != snapshotVersion {
		return obserrors.InvalidInput("restore", fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}

	for _, sh := range t.shards {
		sh.mu.Lock()
		sh.records = make(map[string]*ipRecord)
		sh.mu.Unlock()
	}
	for _, stats := range snap.IPStats {
		rec := newIPRecord(stats.IP, t.cfg.MaxPerIPSetSize)
		rec.firstSeen = stats.FirstSeen
		rec.lastSeen = stats.LastSeen
		rec.total = stats.Total
		rec.success = stats.Success
		rec.failed = stats.Failed
		rec.suspiciousScore = stats.SuspiciousScore
		for _, e := range stats.Endpoints {
			rec.endpoints.add(e)
		}
		for _, ua := range stats.UserAgents {
			rec.userAgents.add(ua)
		}
		for _, uid := range stats.UserIDs {
			rec.userIDs.add(uid)
		}
		sh := t.shardFor(stats.IP)
		sh.mu.Lock()
		sh.records[stats.IP] = rec
		sh.mu.Unlock()
	}

	t.adminMu.Lock()
	t.blocked = make(map[string]string, len(snap.Blocked))
	for ip, reason := range snap.Blocked {
		t.blocked[ip] = reason
	}
	t.whitelisted = make(map[string]bool, len(snap.Whitelisted))
	for ip := range snap.Whitelisted {
		t.whitelisted[ip] = true
	}
	t.adminMu.Unlock()

	t.userMu.Lock()
	t.userHistory = make(map[string]*boundedSet, len(snap.UserIPHistory))
	for userID, ips := range snap.UserIPHistory {
		set := newBoundedSet(t.cfg.MaxUserIPHistory)
		for _, ip := range ips {
			set.add(ip)
		}
		t.userHistory[userID] = set
	}
	t.userMu.Unlock()

	t.ring.restore(snap.RecentEvents)
	return nil
}
