// Package traffic implements the traffic orchestrator: given a package name
// and a day count it returns a fully assembled response, applying the
// validate, cache lookup, fetch and stale fallback policy.
//
// Request states:
//
//	VALIDATE -> CACHE_LOOKUP -> {FRESH_HIT | FETCH} -> {SUCCESS | STALE_FALLBACK | HARD_FAIL}
//
// Only the normalized series is cached. Totals, derived metrics and the
// freshness metadata are computed on every read.
package traffic

import (
	stdctx "context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/npmstat/trafficd/internal/aggregator"
	"github.com/npmstat/trafficd/internal/cache"
	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/daterange"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
	"github.com/npmstat/trafficd/internal/model"
	"github.com/npmstat/trafficd/internal/pkgname"
	"github.com/npmstat/trafficd/internal/upstream"
)

// healthSource labels the events this package records.
const healthSource = "traffic"

// Config holds the cache horizons of traffic snapshots.
type Config struct {
	FreshTTL time.Duration
	StaleTTL time.Duration
}

// DefaultConfig returns fresh=15m, stale=24h.
func DefaultConfig() Config {
	return Config{
		FreshTTL: 15 * time.Minute,
		StaleTTL: 24 * time.Hour,
	}
}

// Fetcher is the orchestrator contract consumed by the compare builder, the
// scheduler warm-up and the HTTP layer.
type Fetcher interface {
	FetchTraffic(ctx stdctx.Context, packageName string, days int) (*model.TrafficResponse, error)
	GetCachedTraffic(packageName string, dateRange model.DateRange, reason model.StaleReason) *model.TrafficResponse
}

// Service is the default Fetcher.
type Service struct {
	client  upstream.DownloadsClient
	cache   cache.Cache[model.TrafficSnapshot]
	runtime trafficctx.RuntimeContext
	config  Config
	now     func() time.Time
}

var _ Fetcher = (*Service)(nil) // Compile-time check

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces time.Now when computing date ranges and fetch times.
func WithClock(now func() time.Time) Option {
	return func(service *Service) {
		if now != nil {
			service.now = now
		}
	}
}

// NewService creates a Service. Zero TTLs in config fall back to
// DefaultConfig.
func NewService(
	client upstream.DownloadsClient,
	snapshots cache.Cache[model.TrafficSnapshot],
	runtime trafficctx.RuntimeContext,
	config Config,
	opts ...Option,
) *Service {
	defaults := DefaultConfig()
	if config.FreshTTL <= 0 {
		config.FreshTTL = defaults.FreshTTL
	}
	if config.StaleTTL <= 0 {
		config.StaleTTL = defaults.StaleTTL
	}

	service := &Service{
		client:  client,
		cache:   snapshots,
		runtime: runtime,
		config:  config,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// FetchTraffic returns the traffic of packageName over the last days days.
//
// Errors are *model.TrafficError values:
//   - INVALID_REQUEST when the name is not a valid package name
//   - PACKAGE_NOT_FOUND when the registry does not know the package
//   - UPSTREAM_UNAVAILABLE when the registry failed and nothing is cached
//
// When ctx is cancelled mid-fetch the returned error wraps ctx.Err() and
// nothing is recorded in the health state.
func (service *Service) FetchTraffic(
	ctx stdctx.Context,
	packageName string,
	days int,
) (*model.TrafficResponse, error) {
	packageName = pkgname.NormalizePackageInput(packageName)
	if validationError := pkgname.AssertValidPackageName(packageName); validationError != nil {
		return nil, validationError
	}

	dateRange := daterange.RangeForDays(daterange.ClampDays(days), service.now())
	key := cache.TrafficKey(packageName, dateRange.Days, dateRange.StartDate)

	snapshot, lookupStatus := service.cache.GetWithStale(key)
	if lookupStatus == cache.LookupFresh {
		service.runtime.RecordSuccess(ctx, healthSource)
		return service.buildResponse(snapshot, model.CacheStatusHit, nil), nil
	}

	payload, fetchError := service.client.FetchDailyDownloadsRange(ctx, packageName, dateRange.StartDate, dateRange.EndDate)
	if fetchError == nil {
		snapshot = model.TrafficSnapshot{
			Package:   packageName,
			Range:     dateRange,
			Series:    aggregator.NormalizeSeries(payload.Downloads, dateRange),
			FetchedAt: service.now().UTC(),
		}
		service.cache.SetWithStale(key, snapshot, service.config.FreshTTL, service.config.StaleTTL)
		service.runtime.RecordSuccess(ctx, healthSource)

		logger.TrafficLog.Debugf("fetched package=%s days=%d rows=%d", packageName, dateRange.Days, len(payload.Downloads))
		return service.buildResponse(snapshot, model.CacheStatusMiss, nil), nil
	}

	// A cancelled caller is neither an outage nor a reason to serve stale data.
	if ctx.Err() != nil {
		logger.TrafficLog.Debugf("fetch cancelled package=%s days=%d: %v", packageName, dateRange.Days, fetchError)
		return nil, errors.Wrapf(ctx.Err(), "fetch traffic for %s", packageName)
	}

	if upstream.IsNotFound(fetchError) {
		notFoundError := model.NewPackageNotFound(packageName, fetchError)
		service.runtime.RecordError(ctx, healthSource, notFoundError)
		return nil, notFoundError
	}

	upstreamStatus := upstream.StatusCode(fetchError)
	unavailableError := model.NewUpstreamUnavailable(packageName, upstreamStatus, fetchError)
	service.runtime.RecordError(ctx, healthSource, unavailableError)

	if lookupStatus == cache.LookupStale {
		reason := ClassifyStaleReason(fetchError)
		service.runtime.RecordStaleServed(ctx, healthSource, reason)
		metrics.StaleServedTotal.WithLabelValues(string(reason)).Inc()

		logger.TrafficLog.Warnf(
			"serving stale data for package=%s days=%d reason=%s fetchedAt=%s: %v",
			packageName, dateRange.Days, reason, snapshot.FetchedAt.Format(time.RFC3339), fetchError,
		)
		return service.buildResponse(snapshot, model.CacheStatusStale, &reason), nil
	}

	logger.TrafficLog.Errorf(
		"no cached data for package=%s days=%d upstreamStatus=%d: %v",
		packageName, dateRange.Days, upstreamStatus, fetchError,
	)
	return nil, unavailableError
}

// GetCachedTraffic returns what the cache holds for packageName over
// dateRange without touching the network. A stale entry is flagged with
// reason (UNKNOWN when empty). It returns nil for invalid names and misses.
func (service *Service) GetCachedTraffic(
	packageName string,
	dateRange model.DateRange,
	reason model.StaleReason,
) *model.TrafficResponse {
	packageName = pkgname.NormalizePackageInput(packageName)
	if !pkgname.ValidatePackageName(packageName).OK {
		return nil
	}

	key := cache.TrafficKey(packageName, dateRange.Days, dateRange.StartDate)
	snapshot, lookupStatus := service.cache.GetWithStale(key)

	switch lookupStatus {
	case cache.LookupFresh:
		return service.buildResponse(snapshot, model.CacheStatusHit, nil)
	case cache.LookupStale:
		if reason == "" {
			reason = model.StaleReasonUnknown
		}
		metrics.StaleServedTotal.WithLabelValues(string(reason)).Inc()
		return service.buildResponse(snapshot, model.CacheStatusStale, &reason)
	default:
		return nil
	}
}

func (service *Service) buildResponse(
	snapshot model.TrafficSnapshot,
	cacheStatus model.CacheStatus,
	staleReason *model.StaleReason,
) *model.TrafficResponse {
	metrics.TrafficResponsesTotal.WithLabelValues(string(cacheStatus)).Inc()

	meta := model.TrafficMeta{
		FetchedAt:   snapshot.FetchedAt,
		CacheStatus: cacheStatus,
		IsStale:     cacheStatus == model.CacheStatusStale,
		StaleReason: staleReason,
	}
	if meta.IsStale && staleReason != nil {
		meta.Warning = staleWarning(snapshot.FetchedAt, *staleReason)
	}

	series := make([]model.TrafficSeriesRow, len(snapshot.Series))
	copy(series, snapshot.Series)

	return &model.TrafficResponse{
		Package: snapshot.Package,
		Range:   snapshot.Range,
		Series:  series,
		Totals:  aggregator.ComputeTotals(series),
		Derived: aggregator.ComputeDerived(series),
		Meta:    meta,
	}
}

// ClassifyStaleReason maps an upstream failure onto the stale reason
// vocabulary.
func ClassifyStaleReason(err error) model.StaleReason {
	status := upstream.StatusCode(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.StaleReasonUpstream401
	case status == http.StatusTooManyRequests:
		return model.StaleReasonUpstream429
	case status >= http.StatusInternalServerError:
		return model.StaleReasonUpstream5xx
	case upstream.IsTimeout(err):
		return model.StaleReasonTimeout
	default:
		return model.StaleReasonUnknown
	}
}

func staleWarning(fetchedAt time.Time, reason model.StaleReason) string {
	var cause string
	switch reason {
	case model.StaleReasonUpstream401:
		cause = "the registry refused the request"
	case model.StaleReasonUpstream429:
		cause = "the registry is rate limiting requests"
	case model.StaleReasonUpstream5xx:
		cause = "the registry is returning server errors"
	case model.StaleReasonTimeout:
		cause = "the registry did not answer in time"
	case model.StaleReasonRateLimited:
		cause = "too many requests were made to this service"
	default:
		cause = "the registry could not be reached"
	}
	return fmt.Sprintf(
		"Showing cached download data from %s because %s. Figures may be out of date.",
		fetchedAt.UTC().Format(time.RFC3339), cause,
	)
}
