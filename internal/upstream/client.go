// Package upstream implements the client side of the registry downloads API,
// i.e. GET /downloads/range/{start}:{end}/{package}.
//
// Retry policy:
//   - Every attempt runs under its own timeout (5s by default)
//   - 404:           NotFoundError immediately, never retried
//   - 429, 5xx:      one retry after clamp(Retry-After, 1s, 5s)
//   - network/timeout errors count as retryable attempts
//   - other non-2xx: StatusError immediately
//   - at most 2 attempts in total, to avoid piling onto a struggling provider
package upstream

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
	"github.com/npmstat/trafficd/internal/model"
)

// DownloadsClient fetches raw daily download counts for one package.
type DownloadsClient interface {
	// FetchDailyDownloadsRange returns the upstream's possibly sparse series
	// for [startDate, endDate] (ISO dates, inclusive).
	FetchDailyDownloadsRange(
		ctx context.Context,
		packageName string,
		startDate string,
		endDate string,
	) (*model.DownloadsRangePayload, error)
}

// Config controls the HTTP client and its retry policy.
type Config struct {
	BaseURL        string
	UserAgent      string
	AttemptTimeout time.Duration
	MaxAttempts    int
	RetryAfterMin  time.Duration
	RetryAfterMax  time.Duration
	Breaker        BreakerConfig
}

// DefaultConfig returns the policy used against the public registry.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.npmjs.org",
		UserAgent:      "trafficd/1.0",
		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    2,
		RetryAfterMin:  1 * time.Second,
		RetryAfterMax:  5 * time.Second,
		Breaker:        DefaultBreakerConfig(),
	}
}

// -----------------------------------------------------------------------------
// Concrete HTTP client implementation
// -----------------------------------------------------------------------------

type sleepFunc func(ctx context.Context, delay time.Duration) error

// downloadsClient is the net/http implementation of DownloadsClient.
type downloadsClient struct {
	config             Config
	httpClient         *http.Client
	maxResponseBodyLen int64
	maxSnippetLen      int64
	sleep              sleepFunc
}

// NewDownloadsClient creates the HTTP client for the downloads API, wrapped in
// a circuit breaker when config.Breaker.Enabled is set.
func NewDownloadsClient(config Config) DownloadsClient {
	client := newDownloadsClient(config, sleepWithContext)
	if config.Breaker.Enabled {
		return newBreakerClient(client, config.Breaker)
	}
	return client
}

func newDownloadsClient(config Config, sleep sleepFunc) *downloadsClient {
	defaults := DefaultConfig()
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.MaxAttempts < 1 || config.MaxAttempts > 2 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryAfterMin < 0 {
		config.RetryAfterMin = defaults.RetryAfterMin
	}
	if config.RetryAfterMax < config.RetryAfterMin {
		config.RetryAfterMax = config.RetryAfterMin
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &downloadsClient{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
		},
		maxResponseBodyLen: 1 << 20, // 1 MiB, a 365-day range is ~15 KiB
		maxSnippetLen:      4 << 10, // 4 KiB for logging snippets
		sleep:              sleep,
	}
}

// attemptResult is the outcome of one HTTP round trip.
type attemptResult struct {
	payload     *model.DownloadsRangePayload
	status      int
	retryAfter  time.Duration
	bodySnippet string
	permanent   bool // cannot heal on retry regardless of status
	err         error
}

// FetchDailyDownloadsRange implements DownloadsClient.FetchDailyDownloadsRange.
func (client *downloadsClient) FetchDailyDownloadsRange(
	ctx context.Context,
	packageName string,
	startDate string,
	endDate string,
) (*model.DownloadsRangePayload, error) {
	if packageName == "" {
		return nil, errors.New("packageName must not be empty")
	}

	rangeURL := client.rangeURL(packageName, startDate, endDate)

	var lastResult attemptResult
	for attempt := 1; attempt <= client.config.MaxAttempts; attempt++ {
		result := client.doAttempt(ctx, rangeURL)
		if result.err == nil {
			metrics.UpstreamRequestsTotal.WithLabelValues("success").Inc()
			logger.UpstreamLog.Debugf(
				"downloads range fetched package=%s start=%s end=%s rows=%d attempt=%d",
				packageName, startDate, endDate, len(result.payload.Downloads), attempt,
			)
			return result.payload, nil
		}

		// The caller went away; this says nothing about the registry.
		if ctx.Err() != nil {
			logger.UpstreamLog.Debugf("downloads range request cancelled package=%s attempt=%d: %v",
				packageName, attempt, ctx.Err())
			return nil, errors.Wrapf(ctx.Err(), "downloads range request for %s", packageName)
		}

		if result.status == http.StatusNotFound {
			metrics.UpstreamRequestsTotal.WithLabelValues("not_found").Inc()
			logger.UpstreamLog.Infof("package=%s not found upstream url=%s", packageName, rangeURL)
			return nil, &NotFoundError{Package: packageName}
		}

		if result.permanent || !isRetryableStatus(result.status) {
			metrics.UpstreamRequestsTotal.WithLabelValues("error").Inc()
			logger.UpstreamLog.Warnf(
				"downloads API non-retryable failure package=%s url=%s status=%d bodySnippet=%q: %v",
				packageName, rangeURL, result.status, result.bodySnippet, result.err,
			)
			return nil, &StatusError{Status: result.status, BodySnippet: result.bodySnippet, Cause: result.err}
		}

		metrics.UpstreamRequestsTotal.WithLabelValues("retryable").Inc()
		lastResult = result

		if attempt == client.config.MaxAttempts {
			break
		}

		delay := clampDuration(result.retryAfter, client.config.RetryAfterMin, client.config.RetryAfterMax)
		logger.UpstreamLog.Warnf(
			"downloads API attempt %d/%d failed package=%s status=%d, retrying in %s: %v",
			attempt, client.config.MaxAttempts, packageName, result.status, delay, result.err,
		)
		metrics.UpstreamRetriesTotal.Inc()

		if sleepError := client.sleep(ctx, delay); sleepError != nil {
			return nil, errors.Wrapf(sleepError, "downloads range request for %s", packageName)
		}
	}

	logger.UpstreamLog.Errorf(
		"downloads API gave up package=%s url=%s status=%d: %v",
		packageName, rangeURL, lastResult.status, lastResult.err,
	)
	return nil, &StatusError{
		Status:      lastResult.status,
		BodySnippet: lastResult.bodySnippet,
		Cause:       lastResult.err,
	}
}

// doAttempt performs a single GET under its own timeout.
func (client *downloadsClient) doAttempt(ctx context.Context, rangeURL string) attemptResult {
	attemptContext, cancel := context.WithTimeout(ctx, client.config.AttemptTimeout)
	defer cancel()

	httpRequest, requestError := http.NewRequestWithContext(attemptContext, http.MethodGet, rangeURL, nil)
	if requestError != nil {
		return attemptResult{permanent: true, err: errors.Wrapf(requestError, "build request to %s", rangeURL)}
	}
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("User-Agent", client.config.UserAgent)

	startedAt := time.Now()
	httpResponse, doError := client.httpClient.Do(httpRequest)
	metrics.UpstreamRequestDuration.Observe(time.Since(startedAt).Seconds())
	if doError != nil {
		return attemptResult{err: errors.Wrapf(doError, "GET %s", rangeURL)}
	}

	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.UpstreamLog.Debugf("failed to close downloads API response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		return attemptResult{
			status:      httpResponse.StatusCode,
			retryAfter:  parseRetryAfter(httpResponse.Header.Get("Retry-After"), time.Now()),
			bodySnippet: client.readBodySnippet(httpResponse.Body),
			err:         errors.Errorf("unexpected status %s", httpResponse.Status),
		}
	}

	var payload model.DownloadsRangePayload
	decoder := json.NewDecoder(io.LimitReader(httpResponse.Body, client.maxResponseBodyLen))
	if decodeError := decoder.Decode(&payload); decodeError != nil {
		return attemptResult{
			status: httpResponse.StatusCode,
			err:    errors.Wrap(decodeError, "decode downloads range payload"),
		}
	}

	return attemptResult{payload: &payload, status: httpResponse.StatusCode}
}

// rangeURL builds {base}/downloads/range/{start}:{end}/{package}.
func (client *downloadsClient) rangeURL(packageName, startDate, endDate string) string {
	return joinURL(
		client.config.BaseURL,
		"downloads", "range",
		startDate+":"+endDate,
		url.PathEscape(packageName),
	)
}

// readBodySnippet reads at most maxSnippetLen bytes from the response body for
// logging purposes. It never returns an error and is best-effort only.
func (client *downloadsClient) readBodySnippet(body io.Reader) string {
	if client.maxSnippetLen <= 0 {
		return ""
	}

	limitedReader := io.LimitedReader{
		R: body,
		N: client.maxSnippetLen,
	}
	rawBytes, readError := io.ReadAll(&limitedReader)
	if readError != nil {
		return ""
	}
	return string(rawBytes)
}

// parseRetryAfter understands both delta-seconds and HTTP-date values. It
// returns 0 when the header is absent or unusable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := when.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func clampDuration(value, lower, upper time.Duration) time.Duration {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// joinURL concatenates base URL and additional path segments using a single
// slash. It does not perform URL escaping on segments, so the caller should
// only pass already-safe path elements.
func joinURL(base string, segments ...string) string {
	trimmedBase := strings.TrimRight(base, "/")
	if len(segments) == 0 {
		return trimmedBase
	}

	var cleanedSegments []string
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		cleanedSegments = append(cleanedSegments, strings.Trim(segment, "/"))
	}

	if len(cleanedSegments) == 0 {
		return trimmedBase
	}

	return trimmedBase + "/" + strings.Join(cleanedSegments, "/")
}
