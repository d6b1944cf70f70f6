// Package sbi provides the service interface trafficd exposes to dashboards
// and scrapers. This file implements the HTTP server over the traffic and
// compare orchestrators.
//
// Exposed endpoints:
//
//	GET /api/v1/traffic/{package}?days=N[&format=csv] - one package, JSON or CSV
//	GET /api/v1/compare?packages=a,b[,c...]&days=N     - 2 to 5 packages aligned
//	GET /api/v1/health                                 - last upstream outcomes
//	GET /metrics                                       - Prometheus exposition
//
// Semantics:
//   - Stale data is a successful (degraded) answer: 200 with meta.warning set
//   - Rate-limited traffic requests are answered from the cache when possible
//   - Errors are JSON: {"error":{"code","message","upstreamStatus"}}
package sbi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/daterange"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
	"github.com/npmstat/trafficd/internal/model"
	"github.com/npmstat/trafficd/internal/pkgname"
	"github.com/npmstat/trafficd/internal/traffic"
)

// CompareBuilder is the compare orchestrator contract.
type CompareBuilder interface {
	BuildCompareData(ctx context.Context, packageNames []string, days int) (*model.CompareData, error)
}

// RateLimitConfig bounds the request rate of the data endpoints, process
// wide. A non-positive RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Server serves the trafficd HTTP API.
type Server struct {
	fetcher        traffic.Fetcher
	compareBuilder CompareBuilder
	runtimeContext trafficctx.RuntimeContext
	limiter        *rate.Limiter
	now            func() time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(
	fetcher traffic.Fetcher,
	compareBuilder CompareBuilder,
	runtimeContext trafficctx.RuntimeContext,
	rateLimit RateLimitConfig,
) *Server {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rateLimit.RequestsPerSecond > 0 {
		burst := rateLimit.Burst
		if burst <= 0 {
			burst = int(rateLimit.RequestsPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(rateLimit.RequestsPerSecond), max(burst, 1))
	}

	return &Server{
		fetcher:        fetcher,
		compareBuilder: compareBuilder,
		runtimeContext: runtimeContext,
		limiter:        limiter,
		now:            time.Now,
	}
}

// Handler builds the chi router with every route registered.
func (server *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/traffic/*", server.handleTraffic)
		r.Get("/compare", server.handleCompare)
		r.Get("/health", server.handleHealth)
	})
	router.Handle("/metrics", promhttp.Handler())

	router.NotFound(func(responseWriter http.ResponseWriter, request *http.Request) {
		writeErrorBody(responseWriter, http.StatusNotFound, "NOT_FOUND", "no such route", 0)
	})
	router.MethodNotAllowed(func(responseWriter http.ResponseWriter, request *http.Request) {
		writeErrorBody(responseWriter, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", 0)
	})

	return router
}

// handleTraffic processes GET /api/v1/traffic/{package}.
func (server *Server) handleTraffic(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	packageName, unescapeError := url.PathUnescape(chi.URLParam(request, "*"))
	if unescapeError != nil {
		writeError(responseWriter, model.NewInvalidRequest("malformed package path: %v", unescapeError))
		return
	}
	packageName = pkgname.NormalizePackageInput(packageName)
	days := parseDays(request.URL.Query().Get("days"))
	asCSV := strings.EqualFold(request.URL.Query().Get("format"), "csv")

	var response *model.TrafficResponse
	if server.limiter.Allow() {
		var fetchError error
		response, fetchError = server.fetcher.FetchTraffic(request.Context(), packageName, days)
		if fetchError != nil {
			writeError(responseWriter, fetchError)
			return
		}
	} else {
		metrics.APIRateLimitHits.WithLabelValues("traffic").Inc()
		dateRange := daterange.RangeForDays(daterange.ClampDays(days), server.now())
		response = server.fetcher.GetCachedTraffic(packageName, dateRange, model.StaleReasonRateLimited)
		if response == nil {
			logger.ServerLog.Debugf("rate limited traffic request for package=%s with nothing cached", packageName)
			writeRateLimited(responseWriter)
			return
		}
	}

	responseWriter.Header().Set("X-Cache", string(response.Meta.CacheStatus))
	if asCSV {
		writeTrafficCSV(responseWriter, response)
		return
	}
	writeJSON(responseWriter, http.StatusOK, response)
}

// handleCompare processes GET /api/v1/compare.
func (server *Server) handleCompare(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	if !server.limiter.Allow() {
		metrics.APIRateLimitHits.WithLabelValues("compare").Inc()
		writeRateLimited(responseWriter)
		return
	}

	rawNames := strings.Split(request.URL.Query().Get("packages"), ",")
	packageNames, canonicalizeError := pkgname.CanonicalizePackageList(rawNames)
	if canonicalizeError != nil {
		writeError(responseWriter, canonicalizeError)
		return
	}

	compareData, buildError := server.compareBuilder.BuildCompareData(
		request.Context(),
		packageNames,
		parseDays(request.URL.Query().Get("days")),
	)
	if buildError != nil {
		writeError(responseWriter, buildError)
		return
	}

	writeJSON(responseWriter, http.StatusOK, compareData)
}

// handleHealth processes GET /api/v1/health.
func (server *Server) handleHealth(
	responseWriter http.ResponseWriter,
	request *http.Request,
) {
	writeJSON(responseWriter, http.StatusOK, server.runtimeContext.HealthSnapshot())
}

// parseDays reads the days query parameter. Anything unparsable becomes the
// default range; the orchestrators clamp the rest.
func parseDays(value string) int {
	if value == "" {
		return daterange.DefaultDays
	}
	days, parseError := strconv.Atoi(strings.TrimSpace(value))
	if parseError != nil {
		return daterange.DefaultDays
	}
	return days
}

// requestMetrics counts requests per route pattern and status code.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		wrapped := chimiddleware.NewWrapResponseWriter(responseWriter, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)

		route := "unmatched"
		if routeContext := chi.RouteContext(request.Context()); routeContext != nil {
			if pattern := routeContext.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
