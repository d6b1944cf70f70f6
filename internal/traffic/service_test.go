package traffic

import (
	stdctx "context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npmstat/trafficd/internal/cache"
	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/model"
	"github.com/npmstat/trafficd/internal/upstream"
)

// mockDownloadsClient is a testify mock of upstream.DownloadsClient.
type mockDownloadsClient struct {
	mock.Mock
}

func (m *mockDownloadsClient) FetchDailyDownloadsRange(
	ctx stdctx.Context,
	packageName string,
	startDate string,
	endDate string,
) (*model.DownloadsRangePayload, error) {
	args := m.Called(ctx, packageName, startDate, endDate)
	payload, _ := args.Get(0).(*model.DownloadsRangePayload)
	return payload, args.Error(1)
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	client  *mockDownloadsClient
	cache   *cache.MemoryCache[model.TrafficSnapshot]
	runtime trafficctx.RuntimeContext
	clock   *testClock
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 17, 9, 30, 0, 0, time.UTC)}
	client := &mockDownloadsClient{}
	snapshots := cache.NewMemoryCache[model.TrafficSnapshot]("traffic-test", cache.WithClock(clock.Now))
	runtime := trafficctx.NewRuntimeContext(clock.Now)
	t.Cleanup(func() { client.AssertExpectations(t) })

	return &fixture{
		client:  client,
		cache:   snapshots,
		runtime: runtime,
		clock:   clock,
		service: NewService(client, snapshots, runtime, DefaultConfig(), WithClock(clock.Now)),
	}
}

func samplePayload() *model.DownloadsRangePayload {
	return &model.DownloadsRangePayload{
		Start:   "2026-01-10",
		End:     "2026-01-16",
		Package: "react",
		Downloads: []model.RawDownloadRow{
			{Day: "2026-01-10", Downloads: 100},
			{Day: "2026-01-12", Downloads: 300},
			{Day: "2026-01-16", Downloads: 200},
		},
	}
}

func TestFetchTraffic_MissThenHit(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()

	first, err := f.service.FetchTraffic(stdctx.Background(), "  react ", 7)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStatusMiss, first.Meta.CacheStatus)
	assert.False(t, first.Meta.IsStale)
	assert.Nil(t, first.Meta.StaleReason)
	assert.Empty(t, first.Meta.Warning)
	require.Len(t, first.Series, 7)
	assert.Equal(t, model.Totals{Sum: 600, AvgPerDay: 86}, first.Totals)
	assert.Len(t, first.Derived.MA3, 7)
	assert.Equal(t, "7 days", first.Range.Label)

	second, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStatusHit, second.Meta.CacheStatus)
	assert.Equal(t, first.Series, second.Series)
	assert.Equal(t, first.Totals, second.Totals)
	assert.Equal(t, first.Meta.FetchedAt, second.Meta.FetchedAt)

	assert.Equal(t, trafficctx.HealthStatusOK, f.runtime.HealthSnapshot().Status)
}

func TestFetchTraffic_CacheKeyIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "JSONStream", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()

	_, err := f.service.FetchTraffic(stdctx.Background(), "JSONStream", 7)
	require.NoError(t, err)

	response, err := f.service.FetchTraffic(stdctx.Background(), "jsonstream", 7)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStatusHit, response.Meta.CacheStatus)
}

func TestFetchTraffic_StaleFallbackOnUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(nil, &upstream.StatusError{Status: http.StatusUnauthorized}).Once()

	fresh, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)

	stale, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)
	assert.Equal(t, model.CacheStatusStale, stale.Meta.CacheStatus)
	assert.True(t, stale.Meta.IsStale)
	require.NotNil(t, stale.Meta.StaleReason)
	assert.Equal(t, model.StaleReasonUpstream401, *stale.Meta.StaleReason)
	assert.NotEmpty(t, stale.Meta.Warning)
	assert.Equal(t, fresh.Series, stale.Series)
	assert.Equal(t, fresh.Meta.FetchedAt, stale.Meta.FetchedAt)

	health := f.runtime.HealthSnapshot()
	assert.Equal(t, trafficctx.HealthStatusDegraded, health.Status)
	assert.Equal(t, "UPSTREAM_401", health.LastStaleReason)
	assert.Equal(t, http.StatusUnauthorized, health.LastUpstreamStatus)
}

func TestFetchTraffic_CancelledCallerIsNotAnOutage(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()

	_, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	ctx, cancel := stdctx.WithCancel(stdctx.Background())
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, stdctx.Canceled).Once()

	response, err := f.service.FetchTraffic(ctx, "react", 7)
	assert.Nil(t, response, "stale data is not served to a cancelled caller")
	require.Error(t, err)
	assert.ErrorIs(t, err, stdctx.Canceled)
	assert.Empty(t, model.KindOf(err))

	health := f.runtime.HealthSnapshot()
	assert.Equal(t, trafficctx.HealthStatusOK, health.Status)
	assert.Empty(t, health.LastErrorCode)
	assert.Empty(t, health.LastStaleReason)
}

func TestFetchTraffic_NotFoundNeverFallsBack(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(nil, &upstream.NotFoundError{Package: "react"}).Once()

	_, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	response, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	assert.Nil(t, response)
	require.Error(t, err)
	assert.Equal(t, model.ErrorKindPackageNotFound, model.KindOf(err))

	var trafficError *model.TrafficError
	require.True(t, errors.As(err, &trafficError))
	assert.Equal(t, http.StatusNotFound, trafficError.HTTPStatus())
}

func TestFetchTraffic_UpstreamUnavailableWithoutStale(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(nil, &upstream.StatusError{Status: http.StatusBadGateway}).Once()

	response, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	assert.Nil(t, response)

	var trafficError *model.TrafficError
	require.True(t, errors.As(err, &trafficError))
	assert.Equal(t, model.ErrorKindUpstreamUnavailable, trafficError.Kind)
	assert.Equal(t, http.StatusBadGateway, trafficError.UpstreamStatus)
	assert.Equal(t, http.StatusBadGateway, trafficError.HTTPStatus())
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", f.runtime.HealthSnapshot().LastErrorCode)
}

func TestFetchTraffic_ExpiredStaleIsNotServed(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", mock.Anything, mock.Anything).
		Return(samplePayload(), nil).Once()
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", mock.Anything, mock.Anything).
		Return(nil, &upstream.StatusError{Status: http.StatusServiceUnavailable}).Once()

	_, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)

	// Past both horizons, and the day rollover also moves the key.
	f.clock.Advance(25 * time.Hour)

	_, err = f.service.FetchTraffic(stdctx.Background(), "react", 7)
	assert.Equal(t, model.ErrorKindUpstreamUnavailable, model.KindOf(err))
}

func TestFetchTraffic_InvalidNameDoesNoIO(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"", "   ", "has space", "UPPER?"} {
		response, err := f.service.FetchTraffic(stdctx.Background(), name, 30)
		assert.Nil(t, response)
		assert.Equal(t, model.ErrorKindInvalidRequest, model.KindOf(err), "name %q", name)
	}
	f.client.AssertNotCalled(t, "FetchDailyDownloadsRange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchTraffic_ClampsDays(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2025-12-17", "2026-01-15").
		Return(&model.DownloadsRangePayload{}, nil).Once()

	// 2026-01-17 09:30 minus one day is the 16th; clamped to 30 days.
	f.clock.now = time.Date(2026, 1, 16, 9, 30, 0, 0, time.UTC)
	response, err := f.service.FetchTraffic(stdctx.Background(), "react", 45)
	require.NoError(t, err)
	assert.Equal(t, 30, response.Range.Days)
	assert.Len(t, response.Series, 30)
}

func TestGetCachedTraffic(t *testing.T) {
	f := newFixture(t)
	f.client.On("FetchDailyDownloadsRange", mock.Anything, "react", "2026-01-10", "2026-01-16").
		Return(samplePayload(), nil).Once()

	response, err := f.service.FetchTraffic(stdctx.Background(), "react", 7)
	require.NoError(t, err)
	dateRange := response.Range

	hit := f.service.GetCachedTraffic("react", dateRange, model.StaleReasonRateLimited)
	require.NotNil(t, hit)
	assert.Equal(t, model.CacheStatusHit, hit.Meta.CacheStatus)
	assert.Nil(t, hit.Meta.StaleReason)

	f.clock.Advance(time.Hour)

	stale := f.service.GetCachedTraffic("React", dateRange, model.StaleReasonRateLimited)
	require.NotNil(t, stale)
	assert.Equal(t, model.CacheStatusStale, stale.Meta.CacheStatus)
	assert.Equal(t, model.StaleReasonRateLimited, *stale.Meta.StaleReason)
	assert.NotEmpty(t, stale.Meta.Warning)

	unknown := f.service.GetCachedTraffic("react", dateRange, "")
	require.NotNil(t, unknown)
	assert.Equal(t, model.StaleReasonUnknown, *unknown.Meta.StaleReason)

	assert.Nil(t, f.service.GetCachedTraffic("vue", dateRange, ""))
	assert.Nil(t, f.service.GetCachedTraffic("not valid", dateRange, ""))
}

func TestClassifyStaleReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected model.StaleReason
	}{
		{"401", &upstream.StatusError{Status: 401}, model.StaleReasonUpstream401},
		{"403", &upstream.StatusError{Status: 403}, model.StaleReasonUpstream401},
		{"429", &upstream.StatusError{Status: 429}, model.StaleReasonUpstream429},
		{"500", &upstream.StatusError{Status: 500}, model.StaleReasonUpstream5xx},
		{"503", &upstream.StatusError{Status: 503}, model.StaleReasonUpstream5xx},
		{"timeout", &upstream.StatusError{Cause: stdctx.DeadlineExceeded}, model.StaleReasonTimeout},
		{"circuit open", &upstream.StatusError{Cause: upstream.ErrCircuitOpen}, model.StaleReasonUnknown},
		{"bad body", &upstream.StatusError{Status: 200}, model.StaleReasonUnknown},
		{"plain", errors.New("network unreachable"), model.StaleReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyStaleReason(tt.err))
		})
	}
}
