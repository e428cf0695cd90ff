// Package tracker implements the Access Tracker (TRK): per-IP running
// statistics under bounded memory, brute-force/rate-limit/anomaly
// detection, and a block/allow list, grounded in the teacher stack's
// deduplication.DeduplicationManager (sharded-by-hash state, a
// background cleanup loop, LRU-bounded collections) generalized from a
// single dedup cache to the richer per-IP aggregate and alerting rules
// spec.md §4.4 describes.
package tracker

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"obscore/internal/metrics"
	"obscore/pkg/obserrors"
	"obscore/pkg/types"
)

// GeoResolver resolves an IP to geographic info. Implementations must be
// pure and non-blocking: the tracker calls it synchronously inline with
// Track (with no tracker lock held), so a slow resolver stalls the Track
// call that invoked it.
type GeoResolver func(ip string) *types.GeoInfo

// Config bounds the tracker's memory footprint and tunes its detection
// thresholds. Zero-valued fields are replaced by DefaultConfig's values
// when the Config is passed to New.
type Config struct {
	NumShards        int
	RingCapacity     int
	MaxPerIPSetSize  int
	MaxUserIPHistory int

	TTL                 time.Duration
	MaxTrackedIPs       int
	CompactionInterval  time.Duration
	CompactionChunkSize int

	BruteForceWindow         time.Duration
	BruteForceThreshold      int
	BruteForceBlockThreshold int

	RateLimitWindow    time.Duration
	RateLimitThreshold int

	ReportMemoryUsage bool
}

// DefaultConfig returns spec.md §4.4's documented defaults.
func DefaultConfig() Config {
	return Config{
		NumShards:        32,
		RingCapacity:      10000,
		MaxPerIPSetSize:   256,
		MaxUserIPHistory:  32,

		TTL:                 24 * time.Hour,
		MaxTrackedIPs:       100000,
		CompactionInterval:  time.Hour,
		CompactionChunkSize: 1000,

		BruteForceWindow:         5 * time.Minute,
		BruteForceThreshold:      5,
		BruteForceBlockThreshold: 10,

		RateLimitWindow:    time.Minute,
		RateLimitThreshold: 100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumShards <= 0 {
		c.NumShards = d.NumShards
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = d.RingCapacity
	}
	if c.MaxPerIPSetSize <= 0 {
		c.MaxPerIPSetSize = d.MaxPerIPSetSize
	}
	if c.MaxUserIPHistory <= 0 {
		c.MaxUserIPHistory = d.MaxUserIPHistory
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxTrackedIPs <= 0 {
		c.MaxTrackedIPs = d.MaxTrackedIPs
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.CompactionChunkSize <= 0 {
		c.CompactionChunkSize = d.CompactionChunkSize
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = d.BruteForceWindow
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = d.BruteForceThreshold
	}
	if c.BruteForceBlockThreshold <= 0 {
		c.BruteForceBlockThreshold = d.BruteForceBlockThreshold
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = d.RateLimitThreshold
	}
	return c
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*ipRecord
}

// Tracker is the Access Tracker. Zero value is not usable; construct
// with New.
type Tracker struct {
	cfg     Config
	shards  []*shard
	metrics *metrics.Metrics
	geo     GeoResolver

	adminMu     sync.RWMutex
	blocked     map[string]string
	whitelisted map[string]bool

	userMu      sync.Mutex
	userHistory map[string]*boundedSet
	userCountry map[string]string

	ring *eventRing

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Tracker. m may be nil to disable metrics reporting;
// geo may be nil to disable the geo-anomaly probe.
func New(cfg Config, m *metrics.Metrics, geo GeoResolver) *Tracker {
	cfg = cfg.withDefaults()
	shards := make([]*shard, cfg.NumShards)
	for i := range shards {
		shards[i] = &shard{records: make(map[string]*ipRecord)}
	}
	return &Tracker{
		cfg:         cfg,
		shards:      shards,
		metrics:     m,
		geo:         geo,
		blocked:     make(map[string]string),
		whitelisted: make(map[string]bool),
		userHistory: make(map[string]*boundedSet),
		userCountry: make(map[string]string),
		ring:        newEventRing(cfg.RingCapacity),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

func (t *Tracker) shardFor(ip string) *shard {
	h := xxhash.Sum64String(ip)
	return t.shards[h%uint64(len(t.shards))]
}

func (t *Tracker) getOrCreateRecord(ip string) *ipRecord {
	sh := t.shardFor(ip)

	sh.mu.RLock()
	rec, ok := sh.records[ip]
	sh.mu.RUnlock()
	if ok {
		return rec
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if rec, ok = sh.records[ip]; ok {
		return rec
	}
	rec = newIPRecord(ip, t.cfg.MaxPerIPSetSize)
	sh.records[ip] = rec
	return rec
}

func (t *Tracker) newAlert(typ types.AlertType, sev types.Severity, e types.AccessEvent, desc string, block bool) types.Alert {
	return types.Alert{
		Type:        typ,
		Severity:    sev,
		IP:          e.IP,
		UserID:      e.UserID,
		Description: desc,
		Timestamp:   e.Timestamp,
		Metadata:    map[string]interface{}{"alert_id": uuid.NewString()},
		ShouldBlock: block,
	}
}

// recordUserIP folds ip into userID's history (spec.md §4.4 step 3,
// unconditional) and reports the pre-insertion state the newIPForUser
// probe (step 9) needs: whether the user already had any history, and
// whether ip was new to it.
func (t *Tracker) recordUserIP(userID, ip string) (hadHistory, wasNew bool) {
	t.userMu.Lock()
	defer t.userMu.Unlock()
	set, ok := t.userHistory[userID]
	if !ok {
		set = newBoundedSet(t.cfg.MaxUserIPHistory)
		t.userHistory[userID] = set
	}
	hadHistory = set.len() > 0
	wasNew = !set.contains(ip)
	set.add(ip)
	return hadHistory, wasNew
}

func (t *Tracker) checkGeoAnomaly(e types.AccessEvent) *types.Alert {
	if t.geo == nil || e.UserID == "" {
		return nil
	}
	info := t.geo(e.IP)
	if info == nil || info.Country == "" {
		return nil
	}

	t.userMu.Lock()
	prior, known := t.userCountry[e.UserID]
	t.userCountry[e.UserID] = info.Country
	t.userMu.Unlock()

	if known && prior != "" && prior != info.Country {
		alert := t.newAlert(types.AlertGeoAnomaly, types.SeverityMedium, e,
			fmt.Sprintf("user %s seen from %s, previously %s", e.UserID, info.Country, prior), false)
		return &alert
	}
	return nil
}

// Track ingests e, updates tracker state, and returns the alerts it
// produced, in detection order, implementing spec.md §4.4 steps 1-10.
func (t *Tracker) Track(e types.AccessEvent) []types.Alert {
	t.ring.push(e)
	if t.metrics != nil {
		t.metrics.TrackedRequestsTotal.Inc()
	}

	rec := t.getOrCreateRecord(e.IP)
	rec.mu.Lock()
	rec.applyEvent(e)
	rec.mu.Unlock()

	var hadHistory, wasNewIP bool
	if e.UserID != "" {
		hadHistory, wasNewIP = t.recordUserIP(e.UserID, e.IP)
	}

	var alerts []types.Alert
	defer func() {
		if t.metrics != nil {
			for _, a := range alerts {
				t.metrics.AlertsTotal.WithLabelValues(string(a.Type)).Inc()
			}
		}
	}()

	if t.IsBlocked(e.IP) {
		alerts = append(alerts, t.newAlert(types.AlertSuspiciousIP, types.SeverityCritical, e, "request from blocked IP", true))
		return alerts
	}
	if t.IsWhitelisted(e.IP) {
		return nil
	}

	if !e.Success {
		cutoff := e.Timestamp.Add(-t.cfg.BruteForceWindow)
		failures := t.ring.countSince(cutoff, func(past types.AccessEvent) bool {
			return past.IP == e.IP && !past.Success
		})
		if failures >= t.cfg.BruteForceThreshold {
			shouldBlock := failures >= t.cfg.BruteForceBlockThreshold
			desc := fmt.Sprintf("Brute force: %d failed attempts", failures)
			alerts = append(alerts, t.newAlert(types.AlertBruteForce, types.SeverityHigh, e, desc, shouldBlock))
			if shouldBlock {
				t.blockLocked(e.IP, desc)
			}
		}
	}

	{
		cutoff := e.Timestamp.Add(-t.cfg.RateLimitWindow)
		hits := t.ring.countSince(cutoff, func(past types.AccessEvent) bool {
			return past.IP == e.IP
		})
		if hits >= t.cfg.RateLimitThreshold {
			desc := fmt.Sprintf("%d requests within %s", hits, t.cfg.RateLimitWindow)
			alerts = append(alerts, t.newAlert(types.AlertRateLimitExceeded, types.SeverityMedium, e, desc, false))
		}
	}

	if e.Success && e.UserID != "" && hadHistory && wasNewIP {
		alerts = append(alerts, t.newAlert(types.AlertNewIPForUser, types.SeverityLow, e, "new IP for known user", false))
	}

	if alert := t.checkGeoAnomaly(e); alert != nil {
		alerts = append(alerts, *alert)
	}

	return alerts
}

// --- admin surface ---

func validIP(ip string) bool { return net.ParseIP(ip) != nil }

func (t *Tracker) blockLocked(ip, reason string) {
	t.adminMu.Lock()
	defer t.adminMu.Unlock()
	t.blocked[ip] = reason
	delete(t.whitelisted, ip)
}

// Block adds ip to the block list with reason. Returns InvalidInput if
// ip is not syntactically a valid address.
func (t *Tracker) Block(ip, reason string) error {
	if !validIP(ip) {
		return obserrors.InvalidInput("block", "invalid IP address: "+ip)
	}
	t.blockLocked(ip, reason)
	return nil
}

// Unblock removes ip from the block list. No-op if ip was not blocked.
func (t *Tracker) Unblock(ip string) error {
	if !validIP(ip) {
		return obserrors.InvalidInput("unblock", "invalid IP address: "+ip)
	}
	t.adminMu.Lock()
	defer t.adminMu.Unlock()
	delete(t.blocked, ip)
	return nil
}

// Whitelist adds ip to the allow list, implicitly unblocking it.
func (t *Tracker) Whitelist(ip string) error {
	if !validIP(ip) {
		return obserrors.InvalidInput("whitelist", "invalid IP address: "+ip)
	}
	t.adminMu.Lock()
	defer t.adminMu.Unlock()
	t.whitelisted[ip] = true
	delete(t.blocked, ip)
	return nil
}

// Unwhitelist removes ip from the allow list. No-op if ip was not
// whitelisted.
func (t *Tracker) Unwhitelist(ip string) error {
	if !validIP(ip) {
		return obserrors.InvalidInput("unwhitelist", "invalid IP address: "+ip)
	}
	t.adminMu.Lock()
	defer t.adminMu.Unlock()
	delete(t.whitelisted, ip)
	return nil
}

func (t *Tracker) IsBlocked(ip string) bool {
	t.adminMu.RLock()
	defer t.adminMu.RUnlock()
	_, ok := t.blocked[ip]
	return ok
}

func (t *Tracker) IsWhitelisted(ip string) bool {
	t.adminMu.RLock()
	defer t.adminMu.RUnlock()
	return t.whitelisted[ip]
}

// --- read surface ---

// Stats returns a point-in-time copy of ip's stats, or nil if ip has
// never been seen (or has been evicted by compaction).
func (t *Tracker) Stats(ip string) *types.IPStats {
	sh := t.shardFor(ip)
	sh.mu.RLock()
	rec, ok := sh.records[ip]
	sh.mu.RUnlock()
	if !ok {
		return nil
	}
	stats := rec.snapshot()
	return &stats
}

// Suspicious returns every tracked IP whose suspicious score is >=
// threshold, sorted by score descending.
func (t *Tracker) Suspicious(threshold int) []types.IPStats {
	var out []types.IPStats
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			rec.mu.RLock()
			if rec.suspiciousScore >= threshold {
				out = append(out, rec.snapshotLocked())
			}
			rec.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuspiciousScore > out[j].SuspiciousScore })
	return out
}

// RecentEvents returns up to limit of the most recently ingested
// events, newest-first. limit <= 0 means unbounded (every live event).
func (t *Tracker) RecentEvents(limit int) []types.AccessEvent {
	return t.ring.recentMatching(limit, nil)
}

// EventsByIP returns up to limit events for ip, newest-first.
func (t *Tracker) EventsByIP(ip string, limit int) []types.AccessEvent {
	return t.ring.recentMatching(limit, func(e types.AccessEvent) bool { return e.IP == ip })
}

// EventsByUser returns up to limit events for userID, newest-first.
func (t *Tracker) EventsByUser(userID string, limit int) []types.AccessEvent {
	return t.ring.recentMatching(limit, func(e types.AccessEvent) bool { return e.UserID == userID })
}

// Summary reports aggregate tracker state for dashboards and health
// checks.
func (t *Tracker) Summary() types.Summary {
	var s types.Summary
	for _, sh := range t.shards {
		sh.mu.RLock()
		s.TotalIPs += len(sh.records)
		for _, rec := range sh.records {
			rec.mu.RLock()
			s.TotalRequests += rec.total
			if rec.suspiciousScore > 0 {
				s.SuspiciousIPs++
			}
			rec.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}

	t.adminMu.RLock()
	s.BlockedIPs = len(t.blocked)
	s.WhitelistedIPs = len(t.whitelisted)
	t.adminMu.RUnlock()

	oldest, count := t.ring.oldestAndCount()
	s.TotalEvents = count
	if !oldest.IsZero() {
		s.OldestEvent = &oldest
	}

	if t.cfg.ReportMemoryUsage {
		if rss, err := processRSSBytes(); err == nil {
			s.MemoryBytes = rss
		}
	}

	t.reportGauges(s)
	return s
}

func (t *Tracker) reportGauges(s types.Summary) {
	if t.metrics == nil {
		return
	}
	t.metrics.TrackedIPs.Set(float64(s.TotalIPs))
	t.metrics.BlockedIPs.Set(float64(s.BlockedIPs))
	t.metrics.WhitelistedIPs.Set(float64(s.WhitelistedIPs))
	t.metrics.SuspiciousIPs.Set(float64(s.SuspiciousIPs))
}
