package tracker

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"

	"obscore/pkg/obserrors"
	"obscore/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumShards = 4
	cfg.RingCapacity = 200
	cfg.BruteForceThreshold = 5
	cfg.BruteForceBlockThreshold = 10
	cfg.BruteForceWindow = 5 * time.Minute
	cfg.RateLimitThreshold = 100
	cfg.RateLimitWindow = time.Minute
	cfg.MaxUserIPHistory = 4
	return cfg
}

func evt(ip string, t time.Time, success bool) types.AccessEvent {
	return types.AccessEvent{IP: ip, Timestamp: t, Endpoint: "/login", Success: success}
}

func TestTrack_BasicStatsAccumulate(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()

	tr.Track(evt("10.0.0.1", now, true))
	tr.Track(evt("10.0.0.1", now.Add(time.Second), false))

	stats := tr.Stats("10.0.0.1")
	if stats == nil {
		t.Fatal("expected stats for tracked IP")
	}
	if stats.Total != 2 || stats.Success != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want total=2 success=1 failed=1", stats)
	}
}

func TestTrack_UnknownIPStatsIsNil(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	if tr.Stats("192.0.2.1") != nil {
		t.Error("expected nil stats for an IP never tracked")
	}
}

func TestTrack_BruteForceAlertAtThreshold(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()

	var alerts []types.Alert
	for i := 0; i < 5; i++ {
		alerts = tr.Track(evt("10.0.0.2", now.Add(time.Duration(i)*time.Second), false))
	}

	found := false
	for _, a := range alerts {
		if a.Type == types.AlertBruteForce {
			found = true
			if a.ShouldBlock {
				t.Error("5 failures should not yet trigger auto-block (threshold is 10)")
			}
		}
	}
	if !found {
		t.Fatal("expected a bruteForce alert at the 5th failure")
	}
}

func TestTrack_BruteForceAutoBlocksAtBlockThreshold(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()

	var last []types.Alert
	for i := 0; i < 10; i++ {
		last = tr.Track(evt("10.0.0.3", now.Add(time.Duration(i)*time.Second), false))
	}

	blocked := false
	for _, a := range last {
		if a.Type == types.AlertBruteForce && a.ShouldBlock {
			blocked = true
		}
	}
	if !blocked {
		t.Fatal("expected ShouldBlock alert at the 10th failure")
	}
	if !tr.IsBlocked("10.0.0.3") {
		t.Error("expected IP to be auto-blocked")
	}
}

func TestTrack_BlockedIPShortCircuitsButStillRecords(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	if err := tr.Block("10.0.0.4", "manual"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alerts := tr.Track(evt("10.0.0.4", now, true))
	if len(alerts) != 1 || alerts[0].Type != types.AlertSuspiciousIP {
		t.Fatalf("expected single suspiciousIP alert, got %+v", alerts)
	}
	if !alerts[0].ShouldBlock {
		t.Error("expected ShouldBlock on blocked-IP alert")
	}

	stats := tr.Stats("10.0.0.4")
	if stats == nil || stats.Total != 1 {
		t.Error("blocked IP's event should still be recorded")
	}
}

func TestTrack_WhitelistedIPProducesNoAlerts(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	if err := tr.Whitelist("10.0.0.5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		alerts := tr.Track(evt("10.0.0.5", now.Add(time.Duration(i)*time.Second), false))
		if len(alerts) != 0 {
			t.Fatalf("whitelisted IP should never alert, got %+v", alerts)
		}
	}
}

func TestTrack_RateLimitAlert(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitThreshold = 3
	tr := New(cfg, nil, nil)
	now := time.Now()

	var alerts []types.Alert
	for i := 0; i < 3; i++ {
		alerts = tr.Track(evt("10.0.0.6", now.Add(time.Duration(i)*time.Millisecond), true))
	}
	found := false
	for _, a := range alerts {
		if a.Type == types.AlertRateLimitExceeded {
			found = true
		}
	}
	if !found {
		t.Fatal("expected rateLimitExceeded alert at the 3rd request within the window")
	}
}

func TestTrack_NewIPForUserAlert(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()

	e1 := types.AccessEvent{IP: "10.0.0.7", Timestamp: now, Success: true, UserID: "alice"}
	alerts := tr.Track(e1)
	for _, a := range alerts {
		if a.Type == types.AlertNewIPForUser {
			t.Fatal("first IP seen for a user must not alert (history was empty)")
		}
	}

	e2 := types.AccessEvent{IP: "10.0.0.8", Timestamp: now.Add(time.Minute), Success: true, UserID: "alice"}
	alerts = tr.Track(e2)
	found := false
	for _, a := range alerts {
		if a.Type == types.AlertNewIPForUser {
			found = true
		}
	}
	if !found {
		t.Fatal("expected newIPForUser alert on a second, different IP for the same user")
	}

	// Returning to a known IP must not re-alert.
	alerts = tr.Track(types.AccessEvent{IP: "10.0.0.7", Timestamp: now.Add(2 * time.Minute), Success: true, UserID: "alice"})
	for _, a := range alerts {
		if a.Type == types.AlertNewIPForUser {
			t.Fatal("a previously-seen IP for this user must not alert again")
		}
	}
}

func TestTrack_GeoAnomalyAlert(t *testing.T) {
	resolver := func(ip string) *types.GeoInfo {
		if ip == "10.0.0.9" {
			return &types.GeoInfo{Country: "US"}
		}
		return &types.GeoInfo{Country: "RO"}
	}
	tr := New(testConfig(), nil, resolver)
	now := time.Now()

	tr.Track(types.AccessEvent{IP: "10.0.0.9", Timestamp: now, Success: true, UserID: "bob"})
	alerts := tr.Track(types.AccessEvent{IP: "10.0.0.10", Timestamp: now.Add(time.Minute), Success: true, UserID: "bob"})

	found := false
	for _, a := range alerts {
		if a.Type == types.AlertGeoAnomaly {
			found = true
		}
	}
	if !found {
		t.Fatal("expected geoAnomaly alert when resolved country changes for a user")
	}
}

func TestBlock_RejectsInvalidIP(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	err := tr.Block("not-an-ip", "test")
	if err == nil {
		t.Fatal("expected InvalidInput error")
	}
	if !obserrors.Is(err, obserrors.KindInvalidInput) {
		t.Errorf("expected KindInvalidInput, got %v", err)
	}
}

func TestWhitelist_UnblocksIP(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	_ = tr.Block("10.0.0.11", "x")
	_ = tr.Whitelist("10.0.0.11")

	if tr.IsBlocked("10.0.0.11") {
		t.Error("whitelisting should implicitly unblock")
	}
	if !tr.IsWhitelisted("10.0.0.11") {
		t.Error("expected IP to be whitelisted")
	}
}

func TestSuspicious_SortedDescendingAndFiltered(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()

	// Drive one IP to a high score via failure rate + many user agents.
	for i := 0; i < 6; i++ {
		e := evt("10.0.0.12", now.Add(time.Duration(i)*time.Second), false)
		e.UserAgent = fmt.Sprintf("agent-%d", i)
		tr.Track(e)
	}
	// A clean IP stays at zero.
	tr.Track(evt("10.0.0.13", now, true))

	list := tr.Suspicious(1)
	for _, s := range list {
		if s.IP == "10.0.0.13" {
			t.Error("clean IP should not appear in suspicious(1)")
		}
	}
	if len(list) == 0 {
		t.Fatal("expected at least one suspicious IP")
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].SuspiciousScore < list[i].SuspiciousScore {
			t.Error("suspicious() must be sorted by score descending")
		}
	}
}

func TestRecentEvents_NewestFirstAndBounded(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		tr.Track(evt("10.0.0.14", now.Add(time.Duration(i)*time.Second), true))
	}

	recent := tr.RecentEvents(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Error("expected newest-first ordering")
	}
}

func TestEventsByIP_FiltersCorrectly(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	tr.Track(evt("10.0.0.15", now, true))
	tr.Track(evt("10.0.0.16", now.Add(time.Second), true))
	tr.Track(evt("10.0.0.15", now.Add(2*time.Second), true))

	events := tr.EventsByIP("10.0.0.15", 0)
	if len(events) != 2 {
		t.Fatalf("expected 2 events for 10.0.0.15, got %d", len(events))
	}
	for _, e := range events {
		if e.IP != "10.0.0.15" {
			t.Errorf("unexpected IP %q in filtered results", e.IP)
		}
	}
}

func TestSummary_ReportsCounts(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	tr.Track(evt("10.0.0.17", now, true))
	_ = tr.Block("10.0.0.18", "x")

	s := tr.Summary()
	if s.TotalIPs != 1 {
		t.Errorf("TotalIPs = %d, want 1", s.TotalIPs)
	}
	if s.BlockedIPs != 1 {
		t.Errorf("BlockedIPs = %d, want 1", s.BlockedIPs)
	}
	if s.OldestEvent == nil {
		t.Error("expected OldestEvent to be set once events exist")
	}
}

func TestCompact_EvictsExpiredButProtectsBlockedAndWhitelisted(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = time.Minute
	tr := New(cfg, nil, nil)
	old := time.Now().Add(-2 * time.Hour)

	tr.Track(evt("10.0.0.19", old, true))
	tr.Track(evt("10.0.0.20", old, true))
	_ = tr.Block("10.0.0.20", "keep me")

	tr.Compact(time.Now())

	if tr.Stats("10.0.0.19") != nil {
		t.Error("expected stale IP to be evicted")
	}
	if tr.Stats("10.0.0.20") == nil {
		t.Error("blocked IP must survive TTL eviction")
	}
}

func TestCompact_CapacityEvictsLeastRecentlySeen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTrackedIPs = 2
	tr := New(cfg, nil, nil)
	now := time.Now()

	tr.Track(evt("10.0.1.1", now, true))
	tr.Track(evt("10.0.1.2", now.Add(time.Second), true))
	tr.Track(evt("10.0.1.3", now.Add(2*time.Second), true))

	tr.Compact(now.Add(3 * time.Second))

	if tr.Stats("10.0.1.1") != nil {
		t.Error("expected least-recently-seen IP to be evicted under capacity pressure")
	}
	if tr.Stats("10.0.1.3") == nil {
		t.Error("most recently seen IP must survive capacity eviction")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := New(testConfig(), nil, nil)
	now := time.Now()
	tr.Track(types.AccessEvent{IP: "10.0.2.1", Timestamp: now, Success: true, UserID: "carol", Endpoint: "/x"})
	_ = tr.Block("10.0.2.2", "bad actor")
	_ = tr.Whitelist("10.0.2.3")

	snap := tr.Snapshot()
	data, err := snap.Marshal()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	restored, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	tr2 := New(testConfig(), nil, nil)
	if err := tr2.Restore(restored); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if tr2.Stats("10.0.2.1") == nil {
		t.Error("expected restored IP stats")
	}
	if !tr2.IsBlocked("10.0.2.2") {
		t.Error("expected restored block list entry")
	}
	if !tr2.IsWhitelisted("10.0.2.3") {
		t.Error("expected restored whitelist entry")
	}
}

func TestUnmarshalSnapshot_RejectsWrongVersion(t *testing.T) {
	snap := Snapshot{Version: 999}
	data, _ := snap.Marshal()
	if _, err := UnmarshalSnapshot(data); err == nil {
		t.Fatal("expected an error for an unsupported snapshot version")
	}
}

func TestCompactionLoop_StopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.CompactionInterval = 10 * time.Millisecond
	tr := New(cfg, nil, nil)

	tr.Start()
	time.Sleep(30 * time.Millisecond)
	tr.Stop()
}
