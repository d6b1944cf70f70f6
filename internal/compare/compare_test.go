package compare

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/npmstat/trafficd/internal/aggregator"
	"github.com/npmstat/trafficd/internal/cache"
	trafficctx "github.com/npmstat/trafficd/internal/context"
	"github.com/npmstat/trafficd/internal/model"
	"github.com/npmstat/trafficd/internal/traffic"
	"github.com/npmstat/trafficd/internal/upstream"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchTraffic(ctx context.Context, packageName string, days int) (*model.TrafficResponse, error) {
	args := m.Called(ctx, packageName, days)
	response, _ := args.Get(0).(*model.TrafficResponse)
	return response, args.Error(1)
}

var testRange = model.DateRange{Days: 7, Label: "7 days", StartDate: "2026-01-14", EndDate: "2026-01-16"}

func responseOf(packageName string, rows ...model.TrafficSeriesRow) *model.TrafficResponse {
	return &model.TrafficResponse{
		Package: packageName,
		Range:   testRange,
		Series:  rows,
		Totals:  aggregator.ComputeTotals(rows),
	}
}

func row(date string, downloads int64) model.TrafficSeriesRow {
	return model.TrafficSeriesRow{Date: date, Downloads: downloads}
}

func TestBuildCompareData_SharesAndDeltas(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("FetchTraffic", mock.Anything, "react", 7).Return(responseOf("react",
		row("2026-01-14", 10), row("2026-01-15", 30), row("2026-01-16", 10)), nil)
	fetcher.On("FetchTraffic", mock.Anything, "vue", 7).Return(responseOf("vue",
		row("2026-01-14", 20), row("2026-01-16", 30)), nil)
	defer fetcher.AssertExpectations(t)

	data, err := NewBuilder(fetcher).BuildCompareData(context.Background(), []string{"react", "vue"}, 7)
	require.NoError(t, err)

	assert.Equal(t, 7, data.Days)
	assert.Equal(t, testRange, data.Range)
	assert.Equal(t, []model.ComparePackage{
		{Name: "react", Total: 50, Share: 50},
		{Name: "vue", Total: 50, Share: 50},
	}, data.Packages)

	require.Len(t, data.Series, 3)
	assert.Equal(t, "2026-01-14", data.Series[0].Date)
	assert.Nil(t, data.Series[0].Values["react"].Delta, "first date has no delta")

	reactDelta := data.Series[1].Values["react"].Delta
	require.NotNil(t, reactDelta)
	assert.Equal(t, int64(20), *reactDelta)

	missing := data.Series[1].Values["vue"]
	assert.Equal(t, int64(0), missing.Downloads)
	assert.Nil(t, missing.Delta)

	assert.Nil(t, data.Series[2].Values["vue"].Delta, "previous date absent for vue")
	require.NotNil(t, data.Series[2].Values["react"].Delta)
	assert.Equal(t, int64(-20), *data.Series[2].Values["react"].Delta)
}

func TestBuildCompareData_ZeroTotals(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("FetchTraffic", mock.Anything, mock.Anything, 30).Return(responseOf("x", row("2026-01-16", 0)), nil)

	data, err := NewBuilder(fetcher).BuildCompareData(context.Background(), []string{"a", "b"}, 30)
	require.NoError(t, err)
	for _, pkg := range data.Packages {
		assert.Equal(t, int64(0), pkg.Total)
		assert.Equal(t, 0.0, pkg.Share)
	}
}

func TestBuildCompareData_ShareRounding(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("FetchTraffic", mock.Anything, "a", 7).Return(responseOf("a", row("2026-01-16", 1)), nil)
	fetcher.On("FetchTraffic", mock.Anything, "b", 7).Return(responseOf("b", row("2026-01-16", 1)), nil)
	fetcher.On("FetchTraffic", mock.Anything, "c", 7).Return(responseOf("c", row("2026-01-16", 1)), nil)

	data, err := NewBuilder(fetcher).BuildCompareData(context.Background(), []string{"a", "b", "c"}, 7)
	require.NoError(t, err)
	for _, pkg := range data.Packages {
		assert.Equal(t, 33.33, pkg.Share)
	}
}

func TestBuildCompareData_InvalidCount(t *testing.T) {
	fetcher := &mockFetcher{}
	builder := NewBuilder(fetcher)

	for _, names := range [][]string{nil, {"a"}, {"a", "b", "c", "d", "e", "f"}} {
		data, err := builder.BuildCompareData(context.Background(), names, 30)
		assert.Nil(t, data)
		assert.Equal(t, model.ErrorKindInvalidRequest, model.KindOf(err))
	}
	fetcher.AssertNotCalled(t, "FetchTraffic", mock.Anything, mock.Anything, mock.Anything)
}

func TestBuildCompareData_FailurePropagatesUnchanged(t *testing.T) {
	notFound := model.NewPackageNotFound("ghost", nil)

	fetcher := &mockFetcher{}
	fetcher.On("FetchTraffic", mock.Anything, "react", 30).Return(responseOf("react", row("2026-01-16", 5)), nil).Maybe()
	fetcher.On("FetchTraffic", mock.Anything, "ghost", 30).Return(nil, notFound)

	data, err := NewBuilder(fetcher).BuildCompareData(context.Background(), []string{"react", "ghost"}, 30)
	assert.Nil(t, data)
	assert.Same(t, notFound, err)
	assert.Equal(t, http.StatusNotFound, notFound.HTTPStatus())
}

// slowRegistry answers 404 for ghost and holds every other package until the
// caller gives up.
type slowRegistry struct{}

func (slowRegistry) FetchDailyDownloadsRange(
	ctx context.Context,
	packageName string,
	startDate string,
	endDate string,
) (*model.DownloadsRangePayload, error) {
	if packageName == "ghost" {
		return nil, &upstream.NotFoundError{Package: packageName}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return &model.DownloadsRangePayload{Package: packageName}, nil
	}
}

func TestBuildCompareData_CancelledSiblingsLeaveHealthAlone(t *testing.T) {
	runtime := trafficctx.NewRuntimeContext(nil)
	service := traffic.NewService(
		slowRegistry{},
		cache.NewMemoryCache[model.TrafficSnapshot]("compare-test"),
		runtime,
		traffic.DefaultConfig(),
	)

	data, err := NewBuilder(service).BuildCompareData(context.Background(), []string{"ghost", "react"}, 7)
	assert.Nil(t, data)
	assert.Equal(t, model.ErrorKindPackageNotFound, model.KindOf(err))

	health := runtime.HealthSnapshot()
	assert.Equal(t, string(model.ErrorKindPackageNotFound), health.LastErrorCode)
	assert.Equal(t, http.StatusNotFound, health.LastUpstreamStatus)
	assert.Empty(t, health.LastStaleReason)
}

func TestBuildCompareData_ClampsDays(t *testing.T) {
	fetcher := &mockFetcher{}
	fetcher.On("FetchTraffic", mock.Anything, mock.Anything, 12).Return(responseOf("x", row("2026-01-16", 1)), nil)

	data, err := NewBuilder(fetcher).BuildCompareData(context.Background(), []string{"a", "b"}, 12)
	require.NoError(t, err)
	assert.Equal(t, 30, data.Days)
}
