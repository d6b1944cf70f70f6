// Package compare aligns the traffic of several packages on one date range
// and computes each package's share of the combined downloads.
//
// Package names are expected to be canonical (trimmed, validated, lowercased
// and de-duplicated) before they reach the builder; see
// pkgname.CanonicalizePackageList.
package compare

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/npmstat/trafficd/internal/daterange"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/metrics"
	"github.com/npmstat/trafficd/internal/model"
)

const (
	MinPackages = 2
	MaxPackages = 5
)

// TrafficFetcher is the subset of the traffic orchestrator used here.
type TrafficFetcher interface {
	FetchTraffic(ctx context.Context, packageName string, days int) (*model.TrafficResponse, error)
}

// Builder builds CompareData from per-package traffic responses.
type Builder struct {
	fetcher TrafficFetcher
}

// NewBuilder creates a Builder on top of fetcher.
func NewBuilder(fetcher TrafficFetcher) *Builder {
	return &Builder{fetcher: fetcher}
}

// BuildCompareData fetches every package concurrently and merges the
// results. A single failed package fails the whole comparison and the first
// error is returned unchanged.
func (builder *Builder) BuildCompareData(
	ctx context.Context,
	packageNames []string,
	days int,
) (*model.CompareData, error) {
	if len(packageNames) < MinPackages || len(packageNames) > MaxPackages {
		metrics.CompareRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, model.NewInvalidRequest(
			"compare needs between %d and %d packages, got %d", MinPackages, MaxPackages, len(packageNames),
		)
	}

	responses := make([]*model.TrafficResponse, len(packageNames))
	group, groupCtx := errgroup.WithContext(ctx)
	for index, packageName := range packageNames {
		index, packageName := index, packageName
		group.Go(func() error {
			response, fetchError := builder.fetcher.FetchTraffic(groupCtx, packageName, days)
			if fetchError != nil {
				logger.CompareLog.Warnf("compare aborted, package=%s failed: %v", packageName, fetchError)
				return fetchError
			}
			responses[index] = response
			return nil
		})
	}
	if waitError := group.Wait(); waitError != nil {
		metrics.CompareRequestsTotal.WithLabelValues("error").Inc()
		return nil, waitError
	}

	metrics.CompareRequestsTotal.WithLabelValues("ok").Inc()
	return merge(packageNames, daterange.ClampDays(days), responses), nil
}

func merge(packageNames []string, days int, responses []*model.TrafficResponse) *model.CompareData {
	var totalAll int64
	packages := make([]model.ComparePackage, len(packageNames))
	downloadsByPackage := make(map[string]map[string]int64, len(packageNames))

	for index, packageName := range packageNames {
		byDate := make(map[string]int64, len(responses[index].Series))
		for _, row := range responses[index].Series {
			byDate[row.Date] = row.Downloads
		}
		downloadsByPackage[packageName] = byDate

		packages[index] = model.ComparePackage{
			Name:  packageName,
			Total: responses[index].Totals.Sum,
		}
		totalAll += responses[index].Totals.Sum
	}

	denominator := float64(max(totalAll, 1))
	for index := range packages {
		packages[index].Share = math.Round(float64(packages[index].Total)/denominator*10000) / 100
	}

	first := responses[0]
	series := make([]model.CompareRow, 0, len(first.Series))
	for _, row := range first.Series {
		previousDate := daterange.PreviousDate(row.Date)

		values := make(map[string]model.CompareValue, len(packageNames))
		for _, packageName := range packageNames {
			byDate := downloadsByPackage[packageName]
			downloads, found := byDate[row.Date]

			var delta *int64
			if previousDownloads, hasPrevious := byDate[previousDate]; found && hasPrevious {
				difference := downloads - previousDownloads
				delta = &difference
			}
			values[packageName] = model.CompareValue{Downloads: downloads, Delta: delta}
		}

		series = append(series, model.CompareRow{Date: row.Date, Values: values})
	}

	return &model.CompareData{
		Days:     days,
		Range:    first.Range,
		Packages: packages,
		Series:   series,
	}
}
