package types

import "time"

// AccessEvent is one immutable request observation ingested by the
// Access Tracker.
type AccessEvent struct {
	IP        string
	Timestamp time.Time
	Endpoint  string
	Method    string
	StatusCode int
	UserID    string
	UserAgent string
	Success   bool
	Reason    string
}

// IPStats is the per-IP running aggregate maintained by the tracker.
type IPStats struct {
	IP              string
	Total           int64
	Failed          int64
	Success         int64
	FirstSeen       time.Time
	LastSeen        time.Time
	Endpoints       []string
	UserAgents      []string
	UserIDs         []string
	SuspiciousScore int
}

// AlertType enumerates the kinds of alerts the tracker can produce.
type AlertType string

const (
	AlertBruteForce             AlertType = "bruteForce"
	AlertRateLimitExceeded       AlertType = "rateLimitExceeded"
	AlertSuspiciousIP           AlertType = "suspiciousIP"
	AlertGeoAnomaly              AlertType = "geoAnomaly"
	AlertNewIPForUser            AlertType = "newIPForUser"
	AlertMultipleFailedAttempts AlertType = "multipleFailedAttempts"
)

// Severity is an alert's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a value produced by Tracker.Track; it is never dispatched by
// the tracker itself, only returned for the caller to act on.
type Alert struct {
	Type        AlertType
	Severity    Severity
	IP          string
	UserID      string
	Description string
	Timestamp   time.Time
	Metadata    map[string]interface{}
	ShouldBlock bool
}

// GeoInfo is the result of an optional geo-IP resolution hook.
type GeoInfo struct {
	Country string
	Region  string
}

// Summary is the point-in-time snapshot returned by Tracker.Summary.
type Summary struct {
	TotalIPs       int
	BlockedIPs     int
	WhitelistedIPs int
	SuspiciousIPs  int
	TotalRequests  int64
	TotalEvents    int
	OldestEvent    *time.Time
	MemoryBytes    uint64
}
