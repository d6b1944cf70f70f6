// Package model defines shared data structures for trafficd, including:
// - Upstream payloads returned by the registry downloads API
// - Normalized series and derived metrics produced by the aggregator
// - Response envelopes returned by the traffic and compare orchestrators.
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import "time"

// ---------------------------------------------------------------------------
// Date ranges
// ---------------------------------------------------------------------------

// DateRange is an inclusive UTC day window ending "yesterday". StartDate and
// EndDate use the ISO YYYY-MM-DD layout.
type DateRange struct {
	Days      int    `json:"days"`
	Label     string `json:"label"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// ---------------------------------------------------------------------------
// Upstream (registry → trafficd)
// ---------------------------------------------------------------------------

// RawDownloadRow is one day as reported by the upstream provider. Days may be
// missing from a response but are never duplicated within one response.
type RawDownloadRow struct {
	Day       string `json:"day"`
	Downloads int64  `json:"downloads"`
}

// DownloadsRangePayload mirrors the body of
// GET /downloads/range/{start}:{end}/{package}.
type DownloadsRangePayload struct {
	Start     string           `json:"start"`
	End       string           `json:"end"`
	Package   string           `json:"package"`
	Downloads []RawDownloadRow `json:"downloads"`
}

// ---------------------------------------------------------------------------
// Normalized series and derived metrics
// ---------------------------------------------------------------------------

// TrafficSeriesRow is one calendar day of a normalized, gap-free series.
type TrafficSeriesRow struct {
	Date      string `json:"date"`
	Downloads int64  `json:"downloads"`
}

// DerivedValue carries a moving-average point. Value is nil until the
// averaging window is fully populated.
type DerivedValue struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// OutlierValue is the robust (MAD-based) outlier score for one day.
type OutlierValue struct {
	Date      string  `json:"date"`
	IsOutlier bool    `json:"is_outlier"`
	Score     float64 `json:"score"`
}

// Derived groups the statistics computed over a normalized series.
type Derived struct {
	MA3      []DerivedValue `json:"ma3"`
	MA7      []DerivedValue `json:"ma7"`
	Outliers []OutlierValue `json:"outliers"`
}

// Totals summarizes a series.
type Totals struct {
	Sum       int64 `json:"sum"`
	AvgPerDay int64 `json:"avgPerDay"`
}

// ---------------------------------------------------------------------------
// Traffic responses
// ---------------------------------------------------------------------------

// CacheStatus reports how a response was produced.
type CacheStatus string

const (
	CacheStatusHit   CacheStatus = "HIT"
	CacheStatusMiss  CacheStatus = "MISS"
	CacheStatusStale CacheStatus = "STALE"
)

// StaleReason is the stable vocabulary used when stale data is served.
type StaleReason string

const (
	StaleReasonUpstream401 StaleReason = "UPSTREAM_401"
	StaleReasonUpstream429 StaleReason = "UPSTREAM_429"
	StaleReasonUpstream5xx StaleReason = "UPSTREAM_5XX"
	StaleReasonTimeout     StaleReason = "TIMEOUT"
	StaleReasonUnknown     StaleReason = "UNKNOWN"

	// StaleReasonRateLimited is used when the API layer declined to fetch
	// because the caller was rate limited.
	StaleReasonRateLimited StaleReason = "RATE_LIMITED"
)

// TrafficMeta carries freshness information computed at read time.
type TrafficMeta struct {
	FetchedAt   time.Time    `json:"fetchedAt"`
	CacheStatus CacheStatus  `json:"cacheStatus"`
	IsStale     bool         `json:"isStale"`
	StaleReason *StaleReason `json:"staleReason"`
	Warning     string       `json:"warning,omitempty"`
}

// TrafficResponse is assembled fresh for every orchestrator call.
type TrafficResponse struct {
	Package string             `json:"package"`
	Range   DateRange          `json:"range"`
	Series  []TrafficSeriesRow `json:"series"`
	Totals  Totals             `json:"totals"`
	Derived Derived            `json:"derived"`
	Meta    TrafficMeta        `json:"meta"`
}

// TrafficSnapshot is the value stored in the traffic cache. Everything that
// depends on the time of reading lives in TrafficResponse instead.
type TrafficSnapshot struct {
	Package   string
	Range     DateRange
	Series    []TrafficSeriesRow
	FetchedAt time.Time
}

// ---------------------------------------------------------------------------
// Compare
// ---------------------------------------------------------------------------

// ComparePackage summarizes one package of a comparison.
type ComparePackage struct {
	Name  string  `json:"name"`
	Total int64   `json:"total"`
	Share float64 `json:"share"`
}

// CompareValue is one package's value on one date. Delta is nil when the
// previous day is unknown.
type CompareValue struct {
	Downloads int64  `json:"downloads"`
	Delta     *int64 `json:"delta"`
}

// CompareRow is one date across all compared packages.
type CompareRow struct {
	Date   string                  `json:"date"`
	Values map[string]CompareValue `json:"values"`
}

// CompareData aligns several packages on the same date range.
type CompareData struct {
	Days     int              `json:"days"`
	Range    DateRange        `json:"range"`
	Packages []ComparePackage `json:"packages"`
	Series   []CompareRow     `json:"series"`
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HealthSnapshot is the last known outcome of upstream interactions.
type HealthSnapshot struct {
	Status             string     `json:"status"`
	StartedAt          time.Time  `json:"startedAt"`
	LastSuccessAt      *time.Time `json:"lastSuccessAt"`
	LastSuccessSource  string     `json:"lastSuccessSource,omitempty"`
	LastErrorAt        *time.Time `json:"lastErrorAt"`
	LastErrorSource    string     `json:"lastErrorSource,omitempty"`
	LastErrorCode      string     `json:"lastErrorCode,omitempty"`
	LastErrorMessage   string     `json:"lastErrorMessage,omitempty"`
	LastUpstreamStatus int        `json:"lastUpstreamStatus,omitempty"`
	LastStaleAt        *time.Time `json:"lastStaleAt"`
	LastStaleReason    string     `json:"lastStaleReason,omitempty"`
}
